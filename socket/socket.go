// Package socket implements the Unix-domain socket core (spec section
// 4.5, C6). The address registry is an immutable radix tree, the same
// "keyed lookup behind one lock" shape the teacher uses for its
// path-keyed handler tree (handler/handlerDB.go), here reused for
// path-shaped socket bind names instead of filesystem paths.
package socket

import (
	"container/list"
	"errors"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/sysbox-kernel/microkernel/domain"
)

// ErrPeerClosed is returned by a parked Recv when the peer closes instead
// of leaving the reader blocked forever (SPEC_FULL.md C6 supplement).
var ErrPeerClosed = errors.New("socket: peer closed")

type message struct {
	data []byte
	eof  bool
}

// Descriptor is one socket endpoint.
type Descriptor struct {
	id    int
	owner domain.PID
	typ   domain.SocketType

	mu   sync.Mutex
	cond *sync.Cond

	bound     string
	listening bool
	backlog   *list.List // of *pendingConn
	backlogCap int

	peer   *Descriptor
	closed bool

	inbound    *list.List // of message
	inboundCap int
}

type pendingConn struct {
	client *Descriptor
	done   chan *Descriptor // the accepted server-side Descriptor, once ready
}

func newDescriptor(id int, owner domain.PID, typ domain.SocketType) *Descriptor {
	d := &Descriptor{
		id:         id,
		owner:      owner,
		typ:        typ,
		inbound:    list.New(),
		inboundCap: domain.DefaultQueueCap,
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Manager is the socket implementation.
type Manager struct {
	mu      sync.RWMutex
	addrTree *iradix.Tree
	sockets map[int]*Descriptor
	nextID  int
}

func NewManager() *Manager {
	return &Manager{
		addrTree: iradix.New(),
		sockets:  make(map[int]*Descriptor),
	}
}

func (m *Manager) lookup(owner domain.PID, fd int) (*Descriptor, error) {
	m.mu.RLock()
	d, ok := m.sockets[fd]
	m.mu.RUnlock()

	if !ok {
		return nil, domain.EBADF
	}
	if d.owner != owner {
		return nil, domain.EBADF
	}
	return d, nil
}

func (m *Manager) Socket(owner domain.PID, typ domain.SocketType) (int, error) {
	m.mu.Lock()
	if len(m.sockets) >= domain.MaxSockets {
		m.mu.Unlock()
		return 0, domain.ENOMEM
	}
	id := m.nextID
	m.nextID++
	d := newDescriptor(id, owner, typ)
	m.sockets[id] = d
	m.mu.Unlock()

	return id, nil
}

func (m *Manager) Bind(owner domain.PID, fd int, addr string) error {
	d, err := m.lookup(owner, fd)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.addrTree.Get([]byte(addr)); found {
		return domain.EINVAL
	}

	tree, _, _ := m.addrTree.Insert([]byte(addr), d)
	m.addrTree = tree

	d.mu.Lock()
	d.bound = addr
	d.mu.Unlock()

	return nil
}

func (m *Manager) Listen(owner domain.PID, fd int, backlog int) error {
	d, err := m.lookup(owner, fd)
	if err != nil {
		return err
	}

	if backlog <= 0 || backlog > domain.SocketDefaultBacklog {
		backlog = domain.SocketDefaultBacklog
	}

	d.mu.Lock()
	d.listening = true
	d.backlog = list.New()
	d.backlogCap = backlog
	d.mu.Unlock()

	return nil
}

// Connect blocks until a matching Accept pairs this socket with a server
// endpoint (spec section 4.5). There's no non-blocking connect in this
// model since the syscall surface (spec section 4.6 C9) never exposes one.
func (m *Manager) Connect(owner domain.PID, fd int, addr string, t *domain.Thread) error {
	client, err := m.lookup(owner, fd)
	if err != nil {
		return err
	}

	m.mu.RLock()
	v, found := m.addrTree.Get([]byte(addr))
	m.mu.RUnlock()
	if !found {
		return domain.ECONNREFUSED
	}
	listener := v.(*Descriptor)

	listener.mu.Lock()
	if !listener.listening || listener.closed {
		listener.mu.Unlock()
		return domain.ECONNREFUSED
	}
	if listener.backlog.Len() >= listener.backlogCap {
		listener.mu.Unlock()
		return domain.ECONNREFUSED
	}

	pc := &pendingConn{client: client, done: make(chan *Descriptor, 1)}
	listener.backlog.PushBack(pc)
	listener.cond.Signal()
	listener.mu.Unlock()

	server := <-pc.done

	// Fixed ascending-id lock order avoids AA/BB deadlock against a
	// concurrent Accept/Close pairing the same two sockets the other way.
	first, second := orderedPair(client, server)
	first.mu.Lock()
	second.mu.Lock()
	client.peer = server
	server.peer = client
	second.mu.Unlock()
	first.mu.Unlock()

	return nil
}

func orderedPair(a, b *Descriptor) (*Descriptor, *Descriptor) {
	if a.id <= b.id {
		return a, b
	}
	return b, a
}

// Accept pops the next pending connection for a listening socket, creating
// a fresh server-side Descriptor paired to the connecting client (spec
// section 4.5). Accept hands the new Descriptor to the waiting Connect,
// which sets both peer pointers; the s.peer.peer == s invariant holds once
// that Connect has returned, not necessarily when Accept returns.
func (m *Manager) Accept(owner domain.PID, fd int, t *domain.Thread) (int, string, error) {
	listener, err := m.lookup(owner, fd)
	if err != nil {
		return 0, "", err
	}

	listener.mu.Lock()
	if !listener.listening {
		listener.mu.Unlock()
		return 0, "", domain.EINVAL
	}
	for listener.backlog.Len() == 0 {
		if listener.closed {
			listener.mu.Unlock()
			return 0, "", domain.EBADF
		}
		listener.cond.Wait()
	}
	front := listener.backlog.Front()
	listener.backlog.Remove(front)
	pc := front.Value.(*pendingConn)
	listener.mu.Unlock()

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	server := newDescriptor(id, owner, listener.typ)
	m.sockets[id] = server
	m.mu.Unlock()

	pc.done <- server

	client := pc.client
	client.mu.Lock()
	peerAddr := client.bound
	client.mu.Unlock()

	return id, peerAddr, nil
}

func (m *Manager) Send(owner domain.PID, fd int, buf []byte, flags domain.RecvFlag, t *domain.Thread) (int, error) {
	d, err := m.lookup(owner, fd)
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	peer := d.peer
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return 0, domain.EBADF
	}
	if peer == nil {
		return 0, domain.ENOTCONN
	}

	payload := make([]byte, len(buf))
	copy(payload, buf)

	peer.mu.Lock()
	for peer.inbound.Len() >= peer.inboundCap {
		if flags&domain.MsgNonblock != 0 {
			peer.mu.Unlock()
			return 0, domain.EAGAIN
		}
		peer.cond.Wait()
	}
	peer.inbound.PushBack(message{data: payload})
	peer.cond.Signal()
	peer.mu.Unlock()

	return len(buf), nil
}

// Recv pops one queued message into buf by default. With domain.MsgWaitAll
// set it instead keeps popping messages until buf is full or an error/EOF
// is hit (spec section 4.5: "keep receiving until len satisfied or
// error"), returning whatever was collected so far once that happens.
func (m *Manager) Recv(owner domain.PID, fd int, buf []byte, flags domain.RecvFlag, t *domain.Thread) (int, error) {
	d, err := m.lookup(owner, fd)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		n, err := m.recvOnce(d, buf[total:], flags)
		total += n
		if err != nil {
			if total > 0 {
				return total, nil
			}
			return 0, err
		}
		if flags&domain.MsgWaitAll == 0 || flags&domain.MsgPeek != 0 || total >= len(buf) {
			return total, nil
		}
	}
}

// recvOnce pops (or, with MsgPeek, inspects without removing) a single
// queued message into buf, blocking until one is available unless
// MsgNonblock is set.
func (m *Manager) recvOnce(d *Descriptor, buf []byte, flags domain.RecvFlag) (int, error) {
	d.mu.Lock()
	for d.inbound.Len() == 0 {
		if flags&domain.MsgNonblock != 0 {
			d.mu.Unlock()
			return 0, domain.EAGAIN
		}
		d.cond.Wait()
	}

	front := d.inbound.Front()
	msg := front.Value.(message)

	if msg.eof {
		d.inbound.Remove(front)
		d.mu.Unlock()
		return 0, ErrPeerClosed
	}

	if flags&domain.MsgPeek == 0 {
		d.inbound.Remove(front)
	}
	d.cond.Signal()
	d.mu.Unlock()

	n := copy(buf, msg.data)
	return n, nil
}

// Close tears down fd; a blocked peer wakes with a zero-length EOF recv
// instead of staying parked forever (SPEC_FULL.md C6 supplement).
func (m *Manager) Close(owner domain.PID, fd int) error {
	d, err := m.lookup(owner, fd)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.closed = true
	peer := d.peer
	bound := d.bound
	d.cond.Broadcast()
	d.mu.Unlock()

	if peer != nil {
		peer.mu.Lock()
		peer.inbound.PushBack(message{eof: true})
		peer.cond.Broadcast()
		peer.mu.Unlock()
	}

	m.mu.Lock()
	delete(m.sockets, fd)
	if bound != "" {
		tree, _, _ := m.addrTree.Delete([]byte(bound))
		m.addrTree = tree
	}
	m.mu.Unlock()

	logrus.Debugf("socket: closed fd %d (owner pid %d)", fd, owner)

	return nil
}

func (m *Manager) LookupByAddr(addr string) (domain.PID, int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, found := m.addrTree.Get([]byte(addr))
	if !found {
		return 0, 0, false
	}
	d := v.(*Descriptor)
	return d.owner, d.id, true
}

func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sockets)
}

var _ domain.SocketServiceIface = (*Manager)(nil)
