// Package controller implements the central coordination point described
// by spec.md §4.5: a mutex/condvar-guarded single-slot handoff between the
// exception-port server and whichever goroutine is waiting for the next
// event, an interrupt path that can preempt that wait from any other
// goroutine, and the thread-enumeration/suspend/resume operations that
// must exclude the controller's own bookkeeping threads. It is grounded on
// the mutex+condvar back-pressure pattern a native Mach debugger backend
// uses between its trap-reporting goroutine and Process.Continue (stopMu),
// and on gdbConn's manualStopMutex/resumeChan pair for the interrupt path.
package controller

import (
	"runtime"
	"sync"

	"github.com/rkusner/machctl/breakpoint"
	"github.com/rkusner/machctl/excserver"
	"github.com/rkusner/machctl/kernel"
	"github.com/rkusner/machctl/logflags"
	"github.com/rkusner/machctl/machine"
)

// EventKind distinguishes the two reasons WaitForEvent can return.
type EventKind int

const (
	// CaughtException means a debug exception was deposited by the
	// exception server and, if it landed on a breakpoint, the faulting
	// thread's IP has already been rewound to the original instruction.
	CaughtException EventKind = iota
	// Interrupted means some other goroutine called Interrupt while this
	// call was waiting, with no exception pending ahead of it.
	Interrupted
)

// Event is the result of one WaitForEvent call.
type Event struct {
	Kind      EventKind
	Exception kernel.Exception
}

// Controller is the coordination point for one attached task. All of its
// exported methods except Close and Interrupt are meant to be called only
// from the single goroutine that owns it (the "controller thread" in
// spec.md's terms); Interrupt is the one operation any goroutine may call
// at any time, and Deposit is called only by the exception server's own
// goroutine.
type Controller struct {
	task kernel.Task
	bp   *breakpoint.Engine

	mu   sync.Mutex
	cond *sync.Cond

	controllerThreadID kernel.ThreadID
	serverThreadID      kernel.ThreadID
	hasUtilityThread    bool
	utilityThreadID     kernel.ThreadID

	excServer     *excserver.Server
	exceptionPort kernel.Port

	hasCaughtException bool
	caught              kernel.Exception

	hasInterrupt bool

	closed  bool
	closeCh chan struct{}
}

// New locks the calling goroutine to its current OS thread (spec.md
// requires the controller thread's identity to stay fixed for the
// lifetime of the attachment, so that it can be excluded from thread
// enumeration) and records that thread's kernel id. Until Initialize is
// called the returned Controller has no exception server and
// GetThreads/SuspendThreads/ResumeThreads will see every thread in the
// task except the controller thread itself.
func New(task kernel.Task, bp *breakpoint.Engine) (*Controller, error) {
	runtime.LockOSThread()
	id, err := kernel.CurrentThreadID()
	if err != nil {
		return nil, err
	}
	c := &Controller{
		task:                task,
		bp:                  bp,
		controllerThreadID:  id,
		serverThreadID:      id,
		closeCh:             make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)
	return c, nil
}

// Initialize starts the exception server bound to every thread in
// threads and records the server's own kernel thread id for exclusion
// from enumeration, per spec.md §4.4 step 3.
func (c *Controller) Initialize(threads []kernel.ThreadID) error {
	c.excServer = excserver.New(c.task, c)
	id, err := c.excServer.Initialize(threads)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.serverThreadID = id
	c.exceptionPort = c.excServer.Port()
	c.mu.Unlock()
	return nil
}

// Deposit implements excserver.Depositor. It runs on the exception
// server's goroutine: it blocks while a previous exception is still
// unconsumed (the back-pressure rule spec.md §4.4/§5 requires — at most
// one outstanding exception at a time), then records exc and wakes
// whichever goroutine is in WaitForEvent.
func (c *Controller) Deposit(exc kernel.Exception) {
	c.mu.Lock()
	for c.hasCaughtException {
		c.cond.Wait()
	}
	c.caught = exc
	c.hasCaughtException = true
	if logflags.Controller() {
		logflags.ControllerLogger().Debugf("deposited exception thread=%v kind=%v", exc.ThreadID, exc.Kind)
	}
	c.cond.Signal()
	c.mu.Unlock()
}

// WaitForEvent blocks until either an exception has been deposited or an
// interrupt has been posted, whichever happens first, and returns which
// one it was. If onInterrupt is non-nil and the Interrupted branch fires,
// it is called while c.mu is still held, the same critical section
// Interrupt's own fn runs under — this is the caller's chance to read or
// mutate controller-owned state atomically with the wakeup.
//
// Priority when both are true at once: a caught exception is always
// reported first, and the flag that records a pending interrupt is left
// untouched when that happens, so an interrupt posted while an exception
// is already waiting to be drained is observed on the very next
// WaitForEvent call instead of being lost — this is spec.md §5's ordering
// guarantee, and is why this method clears only has_caught_exception
// (plus the exception slot itself) on that branch, never has_interrupt.
func (c *Controller) WaitForEvent(onInterrupt func()) (Event, error) {
	c.mu.Lock()
	for !c.hasCaughtException && !c.hasInterrupt {
		c.cond.Wait()
	}

	if c.hasCaughtException {
		exc := c.caught
		c.caught = kernel.Exception{}
		c.hasCaughtException = false
		c.cond.Signal()
		c.mu.Unlock()

		c.rewind(exc)
		return Event{Kind: CaughtException, Exception: exc}, nil
	}

	if onInterrupt != nil {
		onInterrupt()
	}
	c.hasInterrupt = false
	c.mu.Unlock()
	return Event{Kind: Interrupted}, nil
}

// rewind undoes the IP adjustment a software breakpoint trap leaves
// behind: if the faulting thread's current IP is a landing address, the
// breakpoint engine rewinds it back to the original instruction address
// so the trapped thread resumes at the right place. A thread that faulted
// for any other reason is left untouched.
func (c *Controller) rewind(exc kernel.Exception) {
	if c.bp == nil {
		return
	}
	th, err := c.task.Thread(exc.ThreadID)
	if err != nil {
		return
	}
	ip, err := th.IP()
	if err != nil {
		return
	}
	if original, ok := c.bp.RewindIfLanding(ip); ok {
		_ = th.SetIP(original)
	}
}

// Interrupt posts a pending interrupt and, while still holding the lock,
// runs fn (which may be nil). fn runs under the same mutex WaitForEvent
// and Deposit use, so it can safely mutate controller-owned state (this
// is how RunUtilityThread registers its thread id). Interrupt may be
// called from any goroutine at any time, including concurrently with
// WaitForEvent.
func (c *Controller) Interrupt(fn func()) {
	c.mu.Lock()
	c.hasInterrupt = true
	if fn != nil {
		fn()
	}
	c.cond.Signal()
	c.mu.Unlock()
}

// Interrupter is the capability a utility thread function receives: it
// can post interrupts back into this controller but cannot otherwise
// touch the controller's state, and it cannot outlive the controller it
// was handed (Done fires on Close so a long-running utility function can
// notice teardown instead of blocking forever).
type Interrupter struct {
	c *Controller
}

// Interrupt posts an interrupt through the underlying controller.
func (in Interrupter) Interrupt(fn func()) { in.c.Interrupt(fn) }

// Done returns a channel that is closed when the controller is closed, so
// a long-running utility thread body can observe teardown cooperatively.
func (in Interrupter) Done() <-chan struct{} { return in.c.closeCh }

// RunUtilityThread starts fn on a dedicated, OS-thread-locked goroutine
// and blocks until that goroutine has registered its kernel thread id
// with the controller, guaranteeing the id is known (and therefore
// excluded from GetThreads) before RunUtilityThread returns, per spec.md
// §4.5's "run_utility_thread blocks until the registration interrupt has
// been processed".
func (c *Controller) RunUtilityThread(fn func(Interrupter)) error {
	registered := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		id, err := kernel.CurrentThreadID()
		if err != nil {
			registered <- err
			return
		}
		c.Interrupt(func() {
			c.utilityThreadID = id
			c.hasUtilityThread = true
		})
		registered <- nil
		fn(Interrupter{c: c})
	}()
	return <-registered
}

// GetThreads returns a handle for every thread in the task except the
// controller's own bookkeeping threads: the controller thread itself, the
// exception server thread, and the utility thread if one has been
// registered. This is spec.md §4.5's self-exclusion rule.
func (c *Controller) GetThreads() ([]kernel.Thread, error) {
	ids, err := c.task.Threads()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	exclude := map[kernel.ThreadID]bool{
		c.controllerThreadID: true,
		c.serverThreadID:     true,
	}
	if c.hasUtilityThread {
		exclude[c.utilityThreadID] = true
	}
	c.mu.Unlock()

	threads := make([]kernel.Thread, 0, len(ids))
	for _, id := range ids {
		if exclude[id] {
			continue
		}
		th, err := c.task.Thread(id)
		if err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, nil
}

// SuspendThreads suspends every thread GetThreads returns, stopping at
// the first failure without rolling back threads already suspended;
// spec.md §7 leaves partial-suspend recovery to the caller.
func (c *Controller) SuspendThreads() error {
	threads, err := c.GetThreads()
	if err != nil {
		return err
	}
	for _, th := range threads {
		if err := th.Suspend(); err != nil {
			return err
		}
	}
	return nil
}

// ResumeThreads resumes every thread GetThreads returns, stopping at the
// first failure.
func (c *Controller) ResumeThreads() error {
	threads, err := c.GetThreads()
	if err != nil {
		return err
	}
	for _, th := range threads {
		if err := th.Resume(); err != nil {
			return err
		}
	}
	return nil
}

// SharedLibraryInfoAddress returns the task's all_image_info_addr.
func (c *Controller) SharedLibraryInfoAddress() (machine.Address, error) {
	return c.task.SharedLibraryInfoAddress()
}

// Close stops the exception server and signals Done to any running
// utility thread. It does not wait for the exception server's in-flight
// blocking receive to return, per excserver.Server.Stop's documented
// limits.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closeCh)
	c.mu.Unlock()

	if c.excServer != nil {
		c.excServer.Stop()
	}
	return nil
}
