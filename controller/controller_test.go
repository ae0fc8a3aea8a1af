package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/rkusner/machctl/breakpoint"
	"github.com/rkusner/machctl/kernel"
	"github.com/rkusner/machctl/machine"
)

// fakeThread is a machine.Thread/kernel.Thread double that records IP
// rewinds and suspend/resume calls without touching any real hardware.
type fakeThread struct {
	id       kernel.ThreadID
	mu       sync.Mutex
	ip       machine.Address
	suspends int
	resumes  int
}

func (t *fakeThread) ID() kernel.ThreadID { return t.id }
func (t *fakeThread) IP() (machine.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ip, nil
}
func (t *fakeThread) SetIP(addr machine.Address) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ip = addr
	return nil
}
func (t *fakeThread) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.suspends++
	return nil
}
func (t *fakeThread) Resume() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumes++
	return nil
}
func (t *fakeThread) ReadRegisterSet(int) ([]byte, error)     { return nil, nil }
func (t *fakeThread) WriteRegisterSet(int, []byte) error      { return nil }

// fakeTask is a kernel.Task double backed by an in-memory thread set.
type fakeTask struct {
	mu      sync.Mutex
	threads map[kernel.ThreadID]*fakeThread
	nextID  kernel.ThreadID
}

func newFakeTask(ids ...kernel.ThreadID) *fakeTask {
	ft := &fakeTask{threads: make(map[kernel.ThreadID]*fakeThread)}
	for _, id := range ids {
		ft.threads[id] = &fakeThread{id: id}
		if id >= ft.nextID {
			ft.nextID = id + 1
		}
	}
	return ft
}

func (ft *fakeTask) Threads() ([]kernel.ThreadID, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ids := make([]kernel.ThreadID, 0, len(ft.threads))
	for id := range ft.threads {
		ids = append(ids, id)
	}
	return ids, nil
}

func (ft *fakeTask) Thread(id kernel.ThreadID) (kernel.Thread, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	th, ok := ft.threads[id]
	if !ok {
		th = &fakeThread{id: id}
		ft.threads[id] = th
	}
	return th, nil
}

func (ft *fakeTask) AllocateExceptionPort() (kernel.Port, error) { return 1, nil }
func (ft *fakeTask) SetExceptionPort(kernel.ThreadID, kernel.Port) error { return nil }
func (ft *fakeTask) ReceiveException(kernel.Port) (kernel.Exception, error) {
	select {} // never returns in these tests; Deposit is driven directly
}
func (ft *fakeTask) Reply(kernel.Exception) error { return nil }
func (ft *fakeTask) VMAllocate(uint64) (machine.Address, error)                          { return 0, nil }
func (ft *fakeTask) VMProtect(machine.Address, uint64, machine.Permission) error          { return nil }
func (ft *fakeTask) VMDeallocate(machine.Address, uint64) error                          { return nil }
func (ft *fakeTask) SharedLibraryInfoAddress() (machine.Address, error) { return 0x1000, nil }

func init() {
	// The controller package's New calls kernel.CurrentThreadID, which
	// fails unless the binary is built for darwin with the machnative tag.
	// These tests run on every GOOS, so supply a trivial monotonic stand-in.
	var counter kernel.ThreadID = 1000
	var mu sync.Mutex
	kernel.CurrentThreadIDFunc = func() (kernel.ThreadID, error) {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return counter, nil
	}
}

func TestNewRecordsControllerThreadID(t *testing.T) {
	task := newFakeTask(1, 2, 3)
	c, err := New(task, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.controllerThreadID == 0 {
		t.Fatal("controllerThreadID should be nonzero")
	}
}

func TestGetThreadsExcludesControllerThread(t *testing.T) {
	task := newFakeTask(10, 11, 12)
	c, err := New(task, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Fake the controller's own id colliding with a task thread, the way
	// a real self-attach would if the controller thread happened to be
	// one of the task's enumerated threads.
	c.controllerThreadID = 10
	c.serverThreadID = 10

	threads, err := c.GetThreads()
	if err != nil {
		t.Fatalf("GetThreads: %v", err)
	}
	for _, th := range threads {
		if th.ID() == 10 {
			t.Fatal("controller's own thread id leaked into GetThreads")
		}
	}
	if len(threads) != 2 {
		t.Fatalf("got %d threads, want 2", len(threads))
	}
}

func TestInterruptWakesWaitForEvent(t *testing.T) {
	task := newFakeTask(1)
	c, err := New(task, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan Event, 1)
	go func() {
		ev, err := c.WaitForEvent(nil)
		if err != nil {
			t.Error(err)
			return
		}
		done <- ev
	}()

	time.Sleep(10 * time.Millisecond) // give the goroutine time to block in Wait
	counter := 0
	c.Interrupt(func() { counter++ })

	select {
	case ev := <-done:
		if ev.Kind != Interrupted {
			t.Fatalf("got %v, want Interrupted", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForEvent did not return after Interrupt")
	}
	if counter != 1 {
		t.Fatalf("interrupt fn ran %d times, want 1", counter)
	}
}

func TestWaitForEventRunsOnInterruptUnderLock(t *testing.T) {
	task := newFakeTask(1)
	c, err := New(task, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan Event, 1)
	go func() {
		ev, err := c.WaitForEvent(func() {
			// c.mu is held here, the same section Interrupt's own fn
			// runs under, so touching controller-owned state directly
			// (rather than through Interrupt) must be safe.
			c.utilityThreadID = 99
		})
		if err != nil {
			t.Error(err)
			return
		}
		done <- ev
	}()

	time.Sleep(10 * time.Millisecond)
	c.Interrupt(nil)

	select {
	case ev := <-done:
		if ev.Kind != Interrupted {
			t.Fatalf("got %v, want Interrupted", ev.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForEvent did not return after Interrupt")
	}

	c.mu.Lock()
	got := c.utilityThreadID
	c.mu.Unlock()
	if got != 99 {
		t.Fatalf("utilityThreadID = %v, want 99 (onInterrupt should have run)", got)
	}
}

func TestDepositRewindsIPOnLandingHit(t *testing.T) {
	task := newFakeTask(5)
	bp := breakpoint.New(&stubPatcher{}, stubProtector{})
	c, err := New(task, bp)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	h, err := bp.Install(0x100)
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	th, _ := task.Thread(5)
	landing := machine.Address(h) + 1
	th.SetIP(landing)

	go c.Deposit(kernel.Exception{ThreadID: 5})

	ev, err := c.WaitForEvent(nil)
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if ev.Kind != CaughtException {
		t.Fatalf("got %v, want CaughtException", ev.Kind)
	}
	gotIP, _ := th.IP()
	if gotIP != machine.Address(h) {
		t.Fatalf("IP after rewind = %s, want %s", gotIP, machine.Address(h))
	}
}

func TestExceptionTakesPriorityOverPendingInterrupt(t *testing.T) {
	task := newFakeTask(7)
	c, err := New(task, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Interrupt(nil)
	c.Deposit(kernel.Exception{ThreadID: 7})

	ev, err := c.WaitForEvent(nil)
	if err != nil {
		t.Fatalf("WaitForEvent: %v", err)
	}
	if ev.Kind != CaughtException {
		t.Fatalf("first WaitForEvent = %v, want CaughtException (priority)", ev.Kind)
	}

	ev2, err := c.WaitForEvent(nil)
	if err != nil {
		t.Fatalf("second WaitForEvent: %v", err)
	}
	if ev2.Kind != Interrupted {
		t.Fatalf("second WaitForEvent = %v, want Interrupted (preserved)", ev2.Kind)
	}
}

func TestRunUtilityThreadRegistersAndExcludes(t *testing.T) {
	task := newFakeTask(20, 21)
	c, err := New(task, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	started := make(chan struct{})
	err = c.RunUtilityThread(func(in Interrupter) {
		close(started)
		<-in.Done()
	})
	if err != nil {
		t.Fatalf("RunUtilityThread: %v", err)
	}
	<-started

	threads, err := c.GetThreads()
	if err != nil {
		t.Fatalf("GetThreads: %v", err)
	}
	for _, th := range threads {
		if th.ID() == c.utilityThreadID {
			t.Fatal("utility thread id leaked into GetThreads")
		}
	}

	c.Close()
}

// stubPatcher is a minimal machine.Patcher for exercising the
// controller's rewind path without the breakpoint package's own test
// double.
type stubPatcher struct{}

func (stubPatcher) BreakpointSize() int { return 1 }
func (stubPatcher) Patch(addr machine.Address) (machine.State, machine.Address, error) {
	return nil, addr + 1, nil
}
func (stubPatcher) Restore(machine.State, machine.Address) error { return nil }

// stubProtector is a no-op breakpoint.Protector for tests that only care
// about the IP-rewind path, not protection widening.
type stubProtector struct{}

func (stubProtector) VMProtect(machine.Address, uint64, machine.Permission) error { return nil }
