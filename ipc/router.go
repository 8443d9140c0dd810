// Package ipc implements Kernel<->Server messaging (spec section 4.6, C7).
// The dispatch shape -- a command-indexed callback map, request/response
// correlation by an opaque ID, a Setup(...) that wires in the services a
// handler needs -- is ported directly from the teacher's ipc/apis.go and
// domain/ipc.go, generalized from four container-lifecycle grpc commands
// to the open-ended Router command set over the kernel socket.
package ipc

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
)

// ErrDropped is returned by HandleGeneralRequest for a request from a
// non-Router, non-child sender. The caller must not reply -- replying
// would let an impostor learn it was rejected rather than simply ignored
// (spec section 8 scenario S4).
var ErrDropped = errors.New("ipc: dropped, requester is not Router or a child of Router")

// Router is the ipc implementation.
type Router struct {
	ctx       *domain.IPCContext
	routerPID domain.PID

	mu        sync.RWMutex
	callbacks map[domain.Command]domain.IPCHandler
}

func NewRouter() *Router {
	return &Router{
		callbacks: make(map[domain.Command]domain.IPCHandler),
	}
}

func (r *Router) Setup(ctx *domain.IPCContext, routerPID domain.PID) {
	r.ctx = ctx
	r.routerPID = routerPID
}

func (r *Router) RegisterHandler(cmd domain.Command, h domain.IPCHandler) {
	r.mu.Lock()
	r.callbacks[cmd] = h
	r.mu.Unlock()
}

// IsRouterOrChild reports whether pid is the Router itself or a direct
// child of the Router (spec section 4.6 identity check) -- new relative
// to the teacher, which trusted its grpc peer implicitly.
func (r *Router) IsRouterOrChild(pid domain.PID) bool {
	if pid == r.routerPID {
		return true
	}

	proc := r.ctx.Registry.GetProcess(pid)
	if proc == nil {
		return false
	}

	proc.RLock()
	parent := proc.ParentPID
	proc.RUnlock()

	return parent == r.routerPID
}

// HandleGeneralRequest rejects malformed/response/zero-requester messages,
// enforces the Router-or-child identity check, and dispatches by command
// (spec section 4.6).
func (r *Router) HandleGeneralRequest(req *domain.Message) (*domain.Message, error) {
	if req.Header.Response {
		return nil, domain.EINVAL
	}
	if req.Header.Requester == 0 {
		return nil, domain.EINVAL
	}
	if req.Header.Length < domain.MessageHeaderSize {
		return nil, domain.EINVAL
	}

	if !r.IsRouterOrChild(req.Header.Requester) {
		logrus.Warnf("ipc: dropping request from non-Router pid %d (command 0x%x)", req.Header.Requester, req.Header.Command)
		return nil, ErrDropped
	}

	r.mu.RLock()
	h, ok := r.callbacks[req.Header.Command]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.EINVAL
	}

	res := &domain.Message{
		Header: domain.MessageHeader{
			Command:   req.Header.Command,
			ID:        req.Header.ID,
			Requester: req.Header.Requester,
			Response:  true,
		},
	}

	if err := h(r.ctx, req, res); err != nil {
		return nil, err
	}

	res.Header.Length = uint16(domain.MessageHeaderSize + len(res.Payload))
	return res, nil
}

var _ domain.IPCServiceIface = (*Router)(nil)
