// Package vmops implements remote memory allocation and deallocation
// against a task's address space, tracking every outstanding allocation
// so Deallocate can be driven by address alone. It is grounded on
// gdbserver_conn.go's allocMemory helper and the protection-bit
// translation idiom used throughout delve's native darwin/linux backends.
package vmops

import (
	"fmt"
	"sync"

	"github.com/rkusner/machctl/kernel"
	"github.com/rkusner/machctl/machine"
)

// PosixProtectionBits describes rec's protection the way a POSIX mmap
// call would, for diagnostic output; the allocation itself was made
// through the Mach vm_prot_t path in kernel.Task.VMProtect.
func (rec AllocationRecord) PosixProtectionBits() int {
	return kernel.PosixProtectionBits(rec.Perm)
}

// ErrInvalidAllocation is returned when Deallocate or Reprotect is given
// an address this Allocator did not itself hand back from Allocate.
type ErrInvalidAllocation struct {
	Address machine.Address
}

func (e *ErrInvalidAllocation) Error() string {
	return fmt.Sprintf("vmops: %s is not a tracked allocation", e.Address)
}

// AllocationRecord tracks one outstanding remote allocation so it can be
// released later by address alone.
type AllocationRecord struct {
	Base machine.Address
	Size uint64
	Perm machine.Permission
}

// Allocator allocates and frees memory in a task's address space,
// applying the requested protection bits to every allocation it hands
// out. Permission translation honors its input bits exactly — the
// open question spec.md raises about a version that silently ignores
// caller-supplied permissions is resolved here in favor of the input
// being authoritative.
type Allocator struct {
	task kernel.Task

	mu          sync.Mutex
	allocations map[machine.Address]AllocationRecord
}

// New returns an Allocator for task.
func New(task kernel.Task) *Allocator {
	return &Allocator{
		task:        task,
		allocations: make(map[machine.Address]AllocationRecord),
	}
}

// Allocate reserves size bytes in the task's address space and applies
// perm to the resulting region, returning its base address.
func (a *Allocator) Allocate(size uint64, perm machine.Permission) (machine.Address, error) {
	if size == 0 {
		return 0, fmt.Errorf("vmops: allocation size must be nonzero")
	}
	base, err := a.task.VMAllocate(size)
	if err != nil {
		return 0, err
	}
	if err := a.task.VMProtect(base, size, perm); err != nil {
		// The region exists but with default protection; deallocate it
		// rather than leaking an allocation the caller can never use for
		// its intended purpose.
		_ = a.task.VMDeallocate(base, size)
		return 0, err
	}

	a.mu.Lock()
	a.allocations[base] = AllocationRecord{Base: base, Size: size, Perm: perm}
	a.mu.Unlock()
	return base, nil
}

// Deallocate releases the allocation previously returned by Allocate at
// addr. It is an error to call Deallocate on an address this Allocator
// did not itself hand back from Allocate.
func (a *Allocator) Deallocate(addr machine.Address) error {
	a.mu.Lock()
	rec, ok := a.allocations[addr]
	if !ok {
		a.mu.Unlock()
		return &ErrInvalidAllocation{Address: addr}
	}
	delete(a.allocations, addr)
	a.mu.Unlock()

	return a.task.VMDeallocate(rec.Base, rec.Size)
}

// Allocations returns a snapshot of every outstanding allocation.
func (a *Allocator) Allocations() []AllocationRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AllocationRecord, 0, len(a.allocations))
	for _, rec := range a.allocations {
		out = append(out, rec)
	}
	return out
}

// Reprotect changes the protection bits on an already-tracked allocation.
func (a *Allocator) Reprotect(addr machine.Address, perm machine.Permission) error {
	a.mu.Lock()
	rec, ok := a.allocations[addr]
	if !ok {
		a.mu.Unlock()
		return &ErrInvalidAllocation{Address: addr}
	}
	a.mu.Unlock()

	if err := a.task.VMProtect(rec.Base, rec.Size, perm); err != nil {
		return err
	}

	a.mu.Lock()
	rec.Perm = perm
	a.allocations[addr] = rec
	a.mu.Unlock()
	return nil
}
