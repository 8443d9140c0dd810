// Package boot owns the one in-scope boot prerequisite named in spec
// section 1 and section 6: the ramdisk must contain a Router binary named
// lumen, at least MinRouterSize bytes, or the kernel halts. Everything
// else about boot (paging mode enablement, interrupt controller setup,
// boot-info parsing) is an out-of-scope collaborator this package never
// touches. Built against afero.Fs rather than the real filesystem so the
// check is unit-testable without a real ramdisk image.
package boot

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sysbox-kernel/microkernel/domain"
)

// RouterBinaryName is the file the ramdisk must carry (spec section 6).
const RouterBinaryName = "lumen"

// MinRouterSize is the smallest size a sane Router binary can be; anything
// smaller means the ramdisk was built wrong (spec section 6).
const MinRouterSize = 10

// CheckRamdisk verifies fs (rooted at the ramdisk's mount point) contains
// a usable Router binary. It returns an error rather than calling
// logrus.Fatal itself so callers can unit test the failure path; cmd/
// kerneld is responsible for treating a non-nil error as fatal.
func CheckRamdisk(fs afero.Fs) error {
	info, err := fs.Stat(RouterBinaryName)
	if err != nil {
		return domain.ESRCH
	}
	if info.IsDir() {
		return domain.EINVAL
	}
	if info.Size() < MinRouterSize {
		return domain.EINVAL
	}
	return nil
}

// MustCheckRamdisk is CheckRamdisk's fatal variant, used at real boot
// (spec section 7: "boot prerequisites missing" is a legitimate kernel
// panic condition, unlike ordinary user-induced errors).
func MustCheckRamdisk(fs afero.Fs) {
	if err := CheckRamdisk(fs); err != nil {
		logrus.Fatalf("boot: ramdisk missing a usable %s (%v); halting", RouterBinaryName, err)
	}
}
