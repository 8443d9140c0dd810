// Package signal implements signal delivery (spec section 4.7, C8):
// pending/mask bitmaps live directly on domain.Thread, so this package is
// stateless and just operates on the *Thread handed to it -- there's no
// registry to duplicate.
package signal

import (
	"github.com/sysbox-kernel/microkernel/domain"
)

// Manager is the signal implementation.
type Manager struct{}

func NewManager() *Manager { return &Manager{} }

func bit(sig int) uint64 { return 1 << uint(sig) }

func (m *Manager) Raise(t *domain.Thread, sig int) {
	t.Lock()
	t.SigPending |= bit(sig)
	t.Unlock()
}

func (m *Manager) SetMask(t *domain.Thread, mask uint64) uint64 {
	t.Lock()
	prev := t.SigMask
	t.SigMask = mask
	t.Unlock()
	return prev
}

func (m *Manager) SetHandler(t *domain.Thread, sig int, handler uintptr) {
	t.Lock()
	t.SigHandlers[sig] = handler
	t.Unlock()
}

func (m *Manager) Handler(t *domain.Thread, sig int) (uintptr, bool) {
	t.Lock()
	defer t.Unlock()
	h, ok := t.SigHandlers[sig]
	return h, ok
}

// Deliver picks the highest-priority pending, unmasked signal off t,
// clears it, and reports what happened (spec section 4.7). Unmaskable
// signals (SIGKILL, SIGSTOP) are checked ahead of the general scan and
// ignore the mask entirely (spec section 5: "high-priority (unmaskable)
// first").
func (m *Manager) Deliver(t *domain.Thread) domain.DeliveryResult {
	t.Lock()
	defer t.Unlock()

	for _, sig := range []int{domain.SIGKILL, domain.SIGSTOP} {
		if t.SigPending&bit(sig) != 0 {
			t.SigPending &^= bit(sig)
			return m.resultLocked(t, sig)
		}
	}

	for sig := 1; sig < 64; sig++ {
		b := bit(sig)
		if t.SigPending&b == 0 {
			continue
		}
		if t.SigMask&b != 0 {
			continue
		}
		t.SigPending &^= b
		return m.resultLocked(t, sig)
	}

	return domain.DeliveryResult{}
}

// resultLocked must be called with t already locked.
func (m *Manager) resultLocked(t *domain.Thread, sig int) domain.DeliveryResult {
	action := domain.DefaultAction(sig)
	_, hasHandler := t.SigHandlers[sig]

	terminated := (action == domain.ActionTerminate || action == domain.ActionTerminateCore) && !hasHandler

	return domain.DeliveryResult{
		Delivered:  true,
		Signal:     sig,
		Action:     action,
		Terminated: terminated,
	}
}

var _ domain.SignalServiceIface = (*Manager)(nil)
