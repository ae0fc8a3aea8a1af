package vmops

import (
	"sync"
	"testing"

	"github.com/rkusner/machctl/kernel"
	"github.com/rkusner/machctl/machine"
)

// fakeTask is a kernel.Task double that hands out sequential addresses
// and records the protection applied to each.
type fakeTask struct {
	mu       sync.Mutex
	next     machine.Address
	regions  map[machine.Address]uint64
	prots    map[machine.Address]machine.Permission
	failNext bool
}

func newFakeTask() *fakeTask {
	return &fakeTask{next: 0x10000, regions: make(map[machine.Address]uint64), prots: make(map[machine.Address]machine.Permission)}
}

func (t *fakeTask) Threads() ([]kernel.ThreadID, error)            { return nil, nil }
func (t *fakeTask) Thread(kernel.ThreadID) (kernel.Thread, error)  { return nil, nil }
func (t *fakeTask) AllocateExceptionPort() (kernel.Port, error)    { return 0, nil }
func (t *fakeTask) SetExceptionPort(kernel.ThreadID, kernel.Port) error { return nil }
func (t *fakeTask) ReceiveException(kernel.Port) (kernel.Exception, error) {
	return kernel.Exception{}, nil
}
func (t *fakeTask) Reply(kernel.Exception) error { return nil }

func (t *fakeTask) VMAllocate(size uint64) (machine.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failNext {
		t.failNext = false
		return 0, errVMAllocateFailed
	}
	addr := t.next
	t.next += machine.Address(size)
	t.regions[addr] = size
	return addr, nil
}

func (t *fakeTask) VMProtect(addr machine.Address, size uint64, perm machine.Permission) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sz, ok := t.regions[addr]; !ok || sz != size {
		return errUnknownRegion
	}
	t.prots[addr] = perm
	return nil
}

func (t *fakeTask) VMDeallocate(addr machine.Address, size uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sz, ok := t.regions[addr]; !ok || sz != size {
		return errUnknownRegion
	}
	delete(t.regions, addr)
	delete(t.prots, addr)
	return nil
}

func (t *fakeTask) SharedLibraryInfoAddress() (machine.Address, error) { return 0, nil }

var (
	errVMAllocateFailed = fakeErr("vm_allocate failed")
	errUnknownRegion     = fakeErr("unknown region")
)

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestAllocateAppliesPermission(t *testing.T) {
	task := newFakeTask()
	a := New(task)

	addr, err := a.Allocate(4096, machine.Read|machine.Write)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	task.mu.Lock()
	got := task.prots[addr]
	task.mu.Unlock()
	if got != machine.Read|machine.Write {
		t.Fatalf("protection = %v, want Read|Write", got)
	}
}

func TestDeallocateRemovesTrackedAllocation(t *testing.T) {
	task := newFakeTask()
	a := New(task)

	addr, err := a.Allocate(4096, machine.Read)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Deallocate(addr); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if len(a.Allocations()) != 0 {
		t.Fatalf("allocations remaining: %+v", a.Allocations())
	}
}

func TestDeallocateUnknownAddress(t *testing.T) {
	a := New(newFakeTask())
	err := a.Deallocate(0xbad)
	if err == nil {
		t.Fatal("expected error deallocating an untracked address")
	}
	if _, ok := err.(*ErrInvalidAllocation); !ok {
		t.Fatalf("got %T, want *ErrInvalidAllocation", err)
	}
}

func TestAllocateZeroSizeRejected(t *testing.T) {
	a := New(newFakeTask())
	if _, err := a.Allocate(0, machine.Read); err == nil {
		t.Fatal("expected error for zero-size allocation")
	}
}

func TestReprotectUpdatesRecord(t *testing.T) {
	task := newFakeTask()
	a := New(task)

	addr, err := a.Allocate(4096, machine.Read)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := a.Reprotect(addr, machine.Read|machine.Execute); err != nil {
		t.Fatalf("Reprotect: %v", err)
	}
	for _, rec := range a.Allocations() {
		if rec.Base == addr && rec.Perm != machine.Read|machine.Execute {
			t.Fatalf("perm = %v, want Read|Execute", rec.Perm)
		}
	}
}

func TestPosixProtectionBits(t *testing.T) {
	rec := AllocationRecord{Perm: machine.Read | machine.Write}
	bits := rec.PosixProtectionBits()
	if bits == 0 {
		t.Fatal("expected nonzero posix protection bits for Read|Write")
	}
}
