package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sysbox-kernel/microkernel/domain"
)

func TestBootCompletesRouterHandshake(t *testing.T) {
	k := New(1, 0, 4096*domain.PageSize)

	bootErr := make(chan error, 1)
	go func() { bootErr <- k.Boot(context.Background()) }()

	const routerPID domain.PID = 77

	require.Eventually(t, func() bool {
		fd, err := k.Sockets.Socket(routerPID, domain.SocketStream)
		if err != nil {
			return false
		}
		if err := k.Sockets.Connect(routerPID, fd, KernelSocketAddr, nil); err != nil {
			return false
		}

		header := domain.MessageHeader{Command: domain.CommandSysinfo, Requester: routerPID}
		_, err = k.Sockets.Send(routerPID, fd, header.Marshal(), 0, nil)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, <-bootErr)
	assert.Equal(t, routerPID, k.RouterPID())

	k.Shutdown()
}
