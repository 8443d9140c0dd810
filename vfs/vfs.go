// Package vfs implements the thin syscall wrapper layer (spec section
// 4.8, C9). Every server-bound operation collects the caller's uid/gid/
// umask, resolves the path against its cwd, and hands the marshalled
// request off over the owning server's socket -- the same "collect
// attributes, resolve relative path against cwd, then hand off" shape the
// teacher used for mount requests, generalized here from mount alone to
// every file op.
package vfs

import (
	"encoding/binary"
	"path"

	"github.com/sysbox-kernel/microkernel/domain"
)

const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Manager is the vfs implementation.
type Manager struct {
	registry domain.RegistryServiceIface
	sockets  domain.SocketServiceIface
}

func NewManager(registry domain.RegistryServiceIface, sockets domain.SocketServiceIface) *Manager {
	return &Manager{registry: registry, sockets: sockets}
}

func (m *Manager) process(owner domain.PID) (*domain.Process, error) {
	p := m.registry.GetProcess(owner)
	if p == nil {
		return nil, domain.ESRCH
	}
	return p, nil
}

func resolvePath(p *domain.Process, rawPath string) string {
	if path.IsAbs(rawPath) {
		return path.Clean(rawPath)
	}
	p.RLock()
	cwd := p.Cwd
	p.RUnlock()
	return path.Clean(path.Join(cwd, rawPath))
}

func fileDescriptorOf(p *domain.Process, fd int) (*domain.FileDescriptor, error) {
	d, ok := p.Descriptor(fd)
	if !ok || d.Type != domain.IODescriptorFile {
		return nil, domain.EBADF
	}
	f, ok := d.Data.(*domain.FileDescriptor)
	if !ok {
		return nil, domain.EBADF
	}
	return f, nil
}

// marshalFileRequest builds the command-message payload: uid(4) gid(4)
// umask(4) pathLen(2) path, matching spec section 4.8's "absolute path
// resolved against cwd, user/group/umask attached" contract.
func marshalFileRequest(p *domain.Process, absPath string) []byte {
	p.RLock()
	uid, gid, umask := p.UID, p.GID, p.Umask
	p.RUnlock()

	if len(absPath) > domain.PathMaxBuf {
		absPath = absPath[:domain.PathMaxBuf]
	}

	buf := make([]byte, 14+len(absPath))
	binary.LittleEndian.PutUint32(buf[0:4], uid)
	binary.LittleEndian.PutUint32(buf[4:8], gid)
	binary.LittleEndian.PutUint32(buf[8:12], umask)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(absPath)))
	copy(buf[14:], absPath)
	return buf
}

// sendFileRequest issues cmd over serverFD and returns the reply's status
// (the syscall return value per spec section 4.8) plus whatever payload
// followed it.
func (m *Manager) sendFileRequest(owner domain.PID, serverFD int, cmd domain.Command, payload []byte) (int64, []byte, error) {
	header := domain.MessageHeader{Command: cmd, Requester: owner, Length: uint16(domain.MessageHeaderSize + len(payload))}
	wire := append(header.Marshal(), payload...)

	if _, err := m.sockets.Send(owner, serverFD, wire, 0, nil); err != nil {
		return 0, nil, err
	}

	reply := make([]byte, domain.MessageHeaderSize+domain.PathMaxBuf)
	n, err := m.sockets.Recv(owner, serverFD, reply, 0, nil)
	if err != nil {
		return 0, nil, err
	}
	if n < domain.MessageHeaderSize+8 {
		return 0, nil, domain.EINVAL
	}

	status := int64(binary.LittleEndian.Uint64(reply[domain.MessageHeaderSize : domain.MessageHeaderSize+8]))
	return status, reply[domain.MessageHeaderSize+8 : n], nil
}

// Open issues CommandOpen and, on success, installs a new FileDescriptor
// in the caller's table (spec section 4.8, section 3 FileDescriptor
// lifetime: "created on open").
func (m *Manager) Open(owner domain.PID, serverFD int, rawPath string, charDev bool) (int, error) {
	p, err := m.process(owner)
	if err != nil {
		return -1, err
	}

	absPath := resolvePath(p, rawPath)
	status, reply, err := m.sendFileRequest(owner, serverFD, domain.CommandOpen, marshalFileRequest(p, absPath))
	if err != nil {
		return -1, err
	}
	if status < 0 {
		return -1, domain.Errno(status)
	}

	driverID := uint64(0)
	if len(reply) >= 8 {
		driverID = binary.LittleEndian.Uint64(reply[0:8])
	}

	fdObj := domain.NewFileDescriptor(absPath, "", driverID, int32(serverFD), charDev)
	idx, ok := p.AllocDescriptor(domain.IODescriptor{Type: domain.IODescriptorFile, Data: fdObj})
	if !ok {
		return -1, domain.ENOMEM
	}
	return idx, nil
}

// Stat issues CommandStat with a caller-supplied path -- unlike Fstat,
// there's no existing descriptor to anchor the request to.
func (m *Manager) Stat(owner domain.PID, serverFD int, rawPath string, buf []byte) error {
	p, err := m.process(owner)
	if err != nil {
		return err
	}

	absPath := resolvePath(p, rawPath)
	status, reply, err := m.sendFileRequest(owner, serverFD, domain.CommandStat, marshalFileRequest(p, absPath))
	if err != nil {
		return err
	}
	if status < 0 {
		return domain.Errno(status)
	}

	copy(buf, reply)
	return nil
}

// Fstat writes the reply into buf (spec section 9 bug fix: the original
// reused stat's path-only request and ignored the caller's output buffer;
// here the result always lands in buf, the actual output path).
func (m *Manager) Fstat(owner domain.PID, fd int, buf []byte) error {
	p, err := m.process(owner)
	if err != nil {
		return err
	}
	f, err := fileDescriptorOf(p, fd)
	if err != nil {
		return err
	}

	status, reply, err := m.sendFileRequest(owner, int(f.ServerFd), domain.CommandStat, marshalFileRequest(p, f.AbsPath))
	if err != nil {
		return err
	}
	if status < 0 {
		return domain.Errno(status)
	}

	copy(buf, reply)
	return nil
}

func (m *Manager) Mount(owner domain.PID, serverFD int, rawPath string) error {
	p, err := m.process(owner)
	if err != nil {
		return err
	}
	absPath := resolvePath(p, rawPath)
	status, _, err := m.sendFileRequest(owner, serverFD, domain.CommandMount, marshalFileRequest(p, absPath))
	if err != nil {
		return err
	}
	if status < 0 {
		return domain.Errno(status)
	}
	return nil
}

func (m *Manager) chattr(owner domain.PID, serverFD int, cmd domain.Command, rawPath string, a, b uint32) error {
	p, err := m.process(owner)
	if err != nil {
		return err
	}
	absPath := resolvePath(p, rawPath)
	payload := marshalFileRequest(p, absPath)
	payload = append(payload, make([]byte, 8)...)
	binary.LittleEndian.PutUint32(payload[len(payload)-8:], a)
	binary.LittleEndian.PutUint32(payload[len(payload)-4:], b)

	status, _, err := m.sendFileRequest(owner, serverFD, cmd, payload)
	if err != nil {
		return err
	}
	if status < 0 {
		return domain.Errno(status)
	}
	return nil
}

func (m *Manager) Chown(owner domain.PID, serverFD int, rawPath string, uid, gid uint32) error {
	return m.chattr(owner, serverFD, domain.CommandChown, rawPath, uid, gid)
}

func (m *Manager) Chmod(owner domain.PID, serverFD int, rawPath string, mode uint32) error {
	return m.chattr(owner, serverFD, domain.CommandChmod, rawPath, mode, 0)
}

// Read and Write both resolve through the descriptor's single stored
// AbsPath field (spec section 9 bug fix: the original split this across
// two inconsistent fields between the two call sites).
func (m *Manager) Read(owner domain.PID, fd int, buf []byte) (int, error) {
	p, err := m.process(owner)
	if err != nil {
		return 0, err
	}
	f, err := fileDescriptorOf(p, fd)
	if err != nil {
		return 0, err
	}

	f.Lock()
	pos := f.Position
	f.Unlock()

	payload := marshalFileRequest(p, f.AbsPath)
	payload = append(payload, make([]byte, 16)...)
	binary.LittleEndian.PutUint64(payload[len(payload)-16:], uint64(pos))
	binary.LittleEndian.PutUint64(payload[len(payload)-8:], uint64(len(buf)))

	status, reply, err := m.sendFileRequest(owner, int(f.ServerFd), domain.CommandRead, payload)
	if err != nil {
		return 0, err
	}
	if status < 0 {
		return 0, domain.Errno(status)
	}

	n := copy(buf, reply)
	f.Lock()
	f.Position += int64(n)
	f.Unlock()
	return n, nil
}

func (m *Manager) Write(owner domain.PID, fd int, buf []byte) (int, error) {
	p, err := m.process(owner)
	if err != nil {
		return 0, err
	}
	f, err := fileDescriptorOf(p, fd)
	if err != nil {
		return 0, err
	}

	f.Lock()
	pos := f.Position
	f.Unlock()

	payload := marshalFileRequest(p, f.AbsPath)
	payload = append(payload, make([]byte, 8)...)
	binary.LittleEndian.PutUint64(payload[len(payload)-8:], uint64(pos))
	payload = append(payload, buf...)

	status, _, err := m.sendFileRequest(owner, int(f.ServerFd), domain.CommandWrite, payload)
	if err != nil {
		return 0, err
	}
	if status < 0 {
		return 0, domain.Errno(status)
	}

	n := int(status)
	f.Lock()
	f.Position += int64(n)
	f.Unlock()
	return n, nil
}

// Lseek is handled in-kernel (spec section 4.8), except that SEEK_END asks
// the server for the file's size with a CommandStat round trip. Fixes two bugs
// named in spec section 9: SEEK_END is implemented (the original had no
// such case), and an unknown whence returns domain.EINVAL rather than a
// bare -1.
func (m *Manager) Lseek(owner domain.PID, fd int, offset int64, whence int) (int64, error) {
	p, err := m.process(owner)
	if err != nil {
		return 0, err
	}
	f, err := fileDescriptorOf(p, fd)
	if err != nil {
		return 0, err
	}

	f.Lock()
	defer f.Unlock()

	var newPos int64

	switch whence {
	case SeekSet:
		if offset < 0 {
			return 0, domain.EINVAL
		}
		newPos = offset
	case SeekCur:
		newPos = f.Position + offset
		if newPos < 0 {
			return 0, domain.EINVAL
		}
	case SeekEnd:
		size, err := m.statSizeLocked(owner, f)
		if err != nil {
			return 0, err
		}
		newPos = size + offset
		if newPos < 0 {
			return 0, domain.EINVAL
		}
	default:
		return 0, domain.EINVAL
	}

	f.Position = newPos
	return newPos, nil
}

// statSizeLocked issues a CommandStat round trip to learn the file's
// current size for SEEK_END. f is already locked by the caller.
func (m *Manager) statSizeLocked(owner domain.PID, f *domain.FileDescriptor) (int64, error) {
	p, err := m.process(owner)
	if err != nil {
		return 0, err
	}

	status, reply, err := m.sendFileRequest(owner, int(f.ServerFd), domain.CommandStat, marshalFileRequest(p, f.AbsPath))
	if err != nil {
		return 0, err
	}
	if status < 0 {
		return 0, domain.Errno(status)
	}
	if len(reply) < 8 {
		return 0, domain.EINVAL
	}
	return int64(binary.LittleEndian.Uint64(reply[0:8])), nil
}

// Fcntl is handled in-kernel; this repository only models F_GETFL/F_SETFL
// against the descriptor's Flags bitmap (spec section 4.8 names fcntl as
// in-kernel but leaves its command set to the platform).
func (m *Manager) Fcntl(owner domain.PID, fd int, getFlags bool, newFlags domain.IODescriptorFlag) (int64, error) {
	p, err := m.process(owner)
	if err != nil {
		return 0, err
	}
	d, ok := p.Descriptor(fd)
	if !ok {
		return 0, domain.EBADF
	}

	if getFlags {
		return int64(d.Flags), nil
	}

	d.Flags = newFlags
	p.SetDescriptor(fd, d)
	return 0, nil
}

func (m *Manager) Umask(owner domain.PID, mask uint32) (uint32, error) {
	p, err := m.process(owner)
	if err != nil {
		return 0, err
	}
	p.Lock()
	prev := p.Umask
	p.Umask = mask & 0777
	p.Unlock()
	return prev, nil
}

// CloseFile always invalidates the caller's own descriptor slot; the
// underlying FileDescriptor itself is only freed once its refcount reaches
// zero, since fork (process.Registry.Fork) may have shared it with another
// process's descriptor table (spec section 4.8, section 8 scenario S3): a
// process that closes an inherited fd must lose its own handle to the file
// regardless of whether anyone else still holds it open.
func (m *Manager) CloseFile(owner domain.PID, fd int) error {
	p, err := m.process(owner)
	if err != nil {
		return err
	}
	f, err := fileDescriptorOf(p, fd)
	if err != nil {
		return err
	}

	p.ClearDescriptor(fd)
	f.Release()
	return nil
}
