package domain

import "encoding/binary"

// MessageHeaderSize is the wire-exact header size named in spec section 6.
const MessageHeaderSize = 20

// PathMaxBuf is the minimum fixed-size buffer a path payload is carried in
// (spec section 6).
const PathMaxBuf = 512

// Command identifies the command-specific payload that follows a
// MessageHeader (spec section 6, non-exhaustive list).
type Command uint16

const (
	CommandMount Command = iota + 1
	CommandStat
	CommandOpen
	CommandRead
	CommandWrite
	CommandChown
	CommandChmod
	CommandClose
	CommandFramebuffer
	CommandSysinfo
	CommandRand
	CommandIOPriv
	CommandProcessList
	CommandProcessStatus
)

// MessageHeader is the wire-exact prefix of every message exchanged over
// the kernel socket (spec section 6 table).
type MessageHeader struct {
	Command   Command
	Length    uint16
	ID        uint64
	Requester PID
	Response  bool
}

// Marshal encodes h into MessageHeaderSize bytes, little-endian, matching
// the offset table in spec section 6.
func (h MessageHeader) Marshal() []byte {
	buf := make([]byte, MessageHeaderSize)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(h.Command))
	binary.LittleEndian.PutUint16(buf[2:4], h.Length)
	binary.LittleEndian.PutUint64(buf[4:12], h.ID)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.Requester))
	if h.Response {
		buf[16] = 1
	}
	return buf
}

// UnmarshalHeader decodes a MessageHeader from the front of buf. buf must be at
// least MessageHeaderSize bytes.
func UnmarshalHeader(buf []byte) (MessageHeader, error) {
	if len(buf) < MessageHeaderSize {
		return MessageHeader{}, EINVAL
	}
	h := MessageHeader{
		Command:   Command(binary.LittleEndian.Uint16(buf[0:2])),
		Length:    binary.LittleEndian.Uint16(buf[2:4]),
		ID:        binary.LittleEndian.Uint64(buf[4:12]),
		Requester: PID(binary.LittleEndian.Uint32(buf[12:16])),
		Response:  buf[16] != 0,
	}
	return h, nil
}

// Message pairs a decoded header with its command-specific payload bytes.
type Message struct {
	Header  MessageHeader
	Payload []byte
}

// IPCHandler processes one general (non-file-op) request and fills res.
type IPCHandler func(ctx *IPCContext, req *Message, res *Message) error

// IPCContext is handed to every IPCHandler; it carries just enough back-
// reference to the kernel's services for a handler like the framebuffer
// example in spec section 4.6 to do its job (schedLock, switch address
// space, map memory, reply) without importing package kernel directly.
type IPCContext struct {
	Registry RegistryServiceIface
	Sched    SchedulerServiceIface
	VMM      VMMServiceIface
	Sockets  SocketServiceIface
}

// IPCServiceIface is the Kernel<->Server Messaging contract (C7).
// Implemented by package ipc.
type IPCServiceIface interface {
	Setup(ctx *IPCContext, routerPID PID)

	RegisterHandler(cmd Command, h IPCHandler)

	// HandleGeneralRequest is the dispatch entry described in spec section
	// 4.6: rejects malformed/response/zero-requester messages, enforces the
	// Router-or-child identity check, and looks up a handler by command.
	HandleGeneralRequest(req *Message) (*Message, error)

	// IsRouterOrChild reports whether pid is the Router itself or a direct
	// child of the Router (spec section 4.6 identity check).
	IsRouterOrChild(pid PID) bool
}
