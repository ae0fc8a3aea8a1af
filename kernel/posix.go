package kernel

import (
	"golang.org/x/sys/unix"

	"github.com/rkusner/machctl/machine"
)

// PosixProtectionBits translates a machine.Permission set into the POSIX
// mmap/mprotect protection bits golang.org/x/sys/unix exposes. The Mach
// side of this module talks to vm_prot_t directly through cgo (mach
// headers have no stable golang.org/x/sys surface), but callers that want
// to describe or log a requested protection the same way a POSIX mmap
// call would use this instead of re-deriving the bit positions.
func PosixProtectionBits(perm machine.Permission) int {
	var bits int
	if perm.Has(machine.Read) {
		bits |= unix.PROT_READ
	}
	if perm.Has(machine.Write) {
		bits |= unix.PROT_WRITE
	}
	if perm.Has(machine.Execute) {
		bits |= unix.PROT_EXEC
	}
	return bits
}
