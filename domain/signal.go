package domain

import "golang.org/x/sys/unix"

// Signal numbers this repository cares about (spec section 4.7 / 8 S5),
// aliased directly from golang.org/x/sys/unix so the kernel's signal
// constants always match the host's Linux numbering.
const (
	SIGHUP  = int(unix.SIGHUP)
	SIGINT  = int(unix.SIGINT)
	SIGQUIT = int(unix.SIGQUIT)
	SIGILL  = int(unix.SIGILL)
	SIGABRT = int(unix.SIGABRT)
	SIGFPE  = int(unix.SIGFPE)
	SIGKILL = int(unix.SIGKILL)
	SIGSEGV = int(unix.SIGSEGV)
	SIGPIPE = int(unix.SIGPIPE)
	SIGALRM = int(unix.SIGALRM)
	SIGTERM = int(unix.SIGTERM)
	SIGSTOP = int(unix.SIGSTOP)
	SIGCONT = int(unix.SIGCONT)
	SIGCHLD = int(unix.SIGCHLD)
)

// SignalAction is the POSIX default-action class a signal belongs to
// (spec section 4.7).
type SignalAction int

const (
	ActionTerminate SignalAction = iota
	ActionTerminateCore
	ActionIgnore
	ActionStop
	ActionContinue
)

// DefaultAction returns the POSIX default action for signal sig.
func DefaultAction(sig int) SignalAction {
	switch sig {
	case SIGCHLD, SIGURG():
		return ActionIgnore
	case SIGSTOP, SIGTSTP():
		return ActionStop
	case SIGCONT:
		return ActionContinue
	case SIGQUIT, SIGILL, SIGABRT, SIGFPE, SIGSEGV:
		return ActionTerminateCore
	default:
		return ActionTerminate
	}
}

// SIGURG and SIGTSTP are split out as functions rather than constants
// because they are only ever consulted here, to keep the constant block
// above limited to signals this repository delivers elsewhere too.
func SIGURG() int  { return int(unix.SIGURG) }
func SIGTSTP() int { return int(unix.SIGTSTP) }

// Unmaskable reports whether sig ignores a thread's signal mask (SIGKILL
// and SIGSTOP, per POSIX; spec section 5 "high-priority (unmaskable)
// first").
func Unmaskable(sig int) bool {
	return sig == SIGKILL || sig == SIGSTOP
}

// SignalServiceIface is Signal Delivery's public contract (C8).
// Implemented by package signal.
type SignalServiceIface interface {
	// Raise sets sig pending on t.
	Raise(t *Thread, sig int)

	// SetMask replaces t's signal mask, returning the previous mask
	// (sigprocmask semantics).
	SetMask(t *Thread, mask uint64) uint64

	// SetHandler installs a user handler address for sig (SPEC_FULL.md C8
	// supplement: sigaction installation).
	SetHandler(t *Thread, sig int, handler uintptr)
	Handler(t *Thread, sig int) (uintptr, bool)

	// Deliver runs at a syscall-queue boundary or scheduler tick (spec
	// section 4.7): it picks the highest-priority pending, unmasked signal,
	// clears it from the pending set, and reports what happened.
	Deliver(t *Thread) DeliveryResult
}

// DeliveryResult reports the outcome of one Deliver call.
type DeliveryResult struct {
	Delivered bool
	Signal    int
	Action    SignalAction
	// Terminated is true when Action called for thread termination and the
	// thread had no user handler installed for Signal.
	Terminated bool
}
