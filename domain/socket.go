package domain

// SocketType is accepted but, per spec section 4.5, ignored semantically:
// every socket behaves as a reliable, ordered, message-preserving
// bidirectional channel regardless of type.
type SocketType int

const (
	SocketStream SocketType = iota
	SocketDgram
	SocketSeqpacket
)

const (
	// MaxSockets bounds the global socket registry (spec section 3).
	MaxSockets = 1 << 18

	// DefaultQueueCap is the capacity of each socket's inbound message
	// queue (spec section 3). Sockets keep no separate outbound queue.
	DefaultQueueCap = 64

	// SocketDefaultBacklog caps a listener's pending-connection backlog
	// regardless of the caller's requested value (spec section 4.5).
	SocketDefaultBacklog = 1024
)

// RecvFlag mirrors the MSG_* flags named in spec section 4.5; Send takes
// the same type.
type RecvFlag uint32

const (
	MsgPeek     RecvFlag = 1 << 0
	MsgWaitAll  RecvFlag = 1 << 1
	MsgOOB      RecvFlag = 1 << 2
	MsgNonblock RecvFlag = 1 << 3
)

// SocketServiceIface is the Unix-domain socket core's public contract
// (C6). Implemented by package socket. A nil thread parameter indicates
// the kernel itself is the caller (spec section 4.5: "available both to
// user threads via syscall and to the kernel itself by passing a null
// thread").
type SocketServiceIface interface {
	Socket(owner PID, typ SocketType) (int, error)
	Bind(owner PID, fd int, addr string) error
	Listen(owner PID, fd int, backlog int) error
	Connect(owner PID, fd int, addr string, t *Thread) error
	Accept(owner PID, fd int, t *Thread) (newFD int, peerAddr string, err error)
	Send(owner PID, fd int, buf []byte, flags RecvFlag, t *Thread) (int, error)
	Recv(owner PID, fd int, buf []byte, flags RecvFlag, t *Thread) (int, error)
	Close(owner PID, fd int) error

	// LookupByAddr is used by the kernel itself (e.g. the IPC layer
	// identity check) to resolve a bound name without going through a
	// process's descriptor table.
	LookupByAddr(addr string) (ownerPID PID, fd int, found bool)

	Size() int
}
