// Package machine holds the small value types shared across the
// controller: addresses in the debugged task's address space, the
// permission bits requested for a VM region, and the interface the
// machine-specific breakpoint patcher must satisfy.
package machine

import "fmt"

// Address is an address in the debugged task's address space. It is a
// distinct numeric type rather than a bare uintptr or native pointer: it is
// only ever meaningful relative to the task being controlled, and using it
// as a map key (by_address, by_landing, allocation records) should not be
// confused with hashing a host-process pointer.
type Address uintptr

// String formats the address the way the wire protocol and logs render it:
// lowercase hex, no leading zeros, no "0x" prefix trimming surprises.
func (a Address) String() string {
	return fmt.Sprintf("%x", uintptr(a))
}

// IsZero reports whether a is the zero address.
func (a Address) IsZero() bool {
	return a == 0
}

// Permission is a bitset of the access rights requested for an allocated
// VM region.
type Permission uint8

const (
	Read Permission = 1 << iota
	Write
	Execute
)

// Has reports whether perm includes every bit set in want.
func (perm Permission) Has(want Permission) bool {
	return perm&want == want
}

func (perm Permission) String() string {
	buf := [3]byte{'-', '-', '-'}
	if perm.Has(Read) {
		buf[0] = 'r'
	}
	if perm.Has(Write) {
		buf[1] = 'w'
	}
	if perm.Has(Execute) {
		buf[2] = 'x'
	}
	return string(buf[:])
}
