// Package excserver implements the exception-port server: a dedicated
// goroutine that blocks receiving exception messages from the task's
// exception port and hands each one to a Depositor under the
// back-pressure discipline spec.md §4.4 mandates (one outstanding
// exception at a time). It is grounded on the blocking mach_port_wait
// receive loop of a Mach-native debugger backend's trapWait, reshaped
// from delve's poll-and-dispatch style into the dedicated-goroutine form
// spec.md requires.
package excserver

import (
	"runtime"

	"github.com/rkusner/machctl/kernel"
	"github.com/rkusner/machctl/logflags"
)

// Depositor is the back-pressured single-slot sink the server writes
// caught exceptions into. Deposit must block until the slot is free
// (spec.md's "server blocks if the controller has not consumed the
// previous one") and must not return until the exception has been
// recorded. The controller implements this interface.
type Depositor interface {
	Deposit(exc kernel.Exception)
}

// Server owns the exception port and the goroutine that services it.
type Server struct {
	task kernel.Task
	sink Depositor

	port    kernel.Port
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New returns a Server that will receive exceptions from task and deposit
// them into sink.
func New(task kernel.Task, sink Depositor) *Server {
	return &Server{
		task:   task,
		sink:   sink,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Port returns the exception port once Initialize has created it. Zero
// before Initialize is called, matching spec.md §3's "0 until
// initialized".
func (s *Server) Port() kernel.Port { return s.port }

// Initialize creates the exception port, binds it to every thread in
// threads, and spawns the server goroutine. It blocks until the server
// goroutine has recorded its own kernel thread id and returns it, so the
// caller can record it into ControllerState.server_thread_id before
// returning, per spec.md §4.4 step 3.
func (s *Server) Initialize(threads []kernel.ThreadID) (kernel.ThreadID, error) {
	port, err := s.task.AllocateExceptionPort()
	if err != nil {
		return 0, err
	}
	for _, t := range threads {
		if err := s.task.SetExceptionPort(t, port); err != nil {
			return 0, err
		}
	}
	s.port = port

	idCh := make(chan kernel.ThreadID, 1)
	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		id, err := kernel.CurrentThreadID()
		if err != nil {
			errCh <- err
			return
		}
		idCh <- id
		s.loop()
		close(s.doneCh)
	}()

	select {
	case id := <-idCh:
		return id, nil
	case err := <-errCh:
		return 0, err
	}
}

// Stop requests cooperative shutdown of the server goroutine. It does not
// wait for the in-flight blocking receive (if any) to return; that call
// has no cancellation point of its own, per spec.md §9's design note on
// preferring cooperative shutdown and only forcing termination when a
// thread is blocked in a kernel primitive with none. The caller that owns
// the port is expected to additionally destroy it, which is what actually
// unblocks a receive in progress.
func (s *Server) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *Server) loop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		exc, err := s.task.ReceiveException(s.port)
		if err != nil {
			// Either cooperative teardown destroyed the port, or a
			// genuine kernel error occurred; spec.md §7 says server
			// failures during teardown are swallowed, and there is no
			// observer left to report a non-teardown failure to once
			// the receive loop itself cannot continue.
			return
		}

		if logflags.ExcServer() {
			logflags.ExcServerLogger().Debugf("caught exception thread=%v kind=%v", exc.ThreadID, exc.Kind)
		}

		s.sink.Deposit(exc)

		if err := s.task.Reply(exc); err != nil {
			logflags.ExcServerLogger().Debugf("reply failed: %v", err)
		}
	}
}
