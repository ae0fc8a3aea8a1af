package excserver

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rkusner/machctl/kernel"
	"github.com/rkusner/machctl/machine"
)

// fakeTask is a kernel.Task double whose ReceiveException is driven by a
// channel instead of a real Mach port, so the server's receive loop can
// be exercised deterministically.
type fakeTask struct {
	incoming chan kernel.Exception
	closed   chan struct{}

	mu          sync.Mutex
	boundPorts  map[kernel.ThreadID]kernel.Port
	repliesSent int
}

func newFakeTask() *fakeTask {
	return &fakeTask{
		incoming:   make(chan kernel.Exception),
		closed:     make(chan struct{}),
		boundPorts: make(map[kernel.ThreadID]kernel.Port),
	}
}

func (t *fakeTask) Threads() ([]kernel.ThreadID, error) { return nil, nil }
func (t *fakeTask) Thread(kernel.ThreadID) (kernel.Thread, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeTask) AllocateExceptionPort() (kernel.Port, error) { return 42, nil }
func (t *fakeTask) SetExceptionPort(thread kernel.ThreadID, port kernel.Port) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.boundPorts[thread] = port
	return nil
}
func (t *fakeTask) ReceiveException(kernel.Port) (kernel.Exception, error) {
	select {
	case exc := <-t.incoming:
		return exc, nil
	case <-t.closed:
		return kernel.Exception{}, errors.New("port destroyed")
	}
}
func (t *fakeTask) Reply(kernel.Exception) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.repliesSent++
	return nil
}
func (t *fakeTask) VMAllocate(uint64) (machine.Address, error)                 { return 0, nil }
func (t *fakeTask) VMProtect(machine.Address, uint64, machine.Permission) error { return nil }
func (t *fakeTask) VMDeallocate(machine.Address, uint64) error                 { return nil }
func (t *fakeTask) SharedLibraryInfoAddress() (machine.Address, error)         { return 0, nil }

func (t *fakeTask) stop() { close(t.closed) }

type fakeSink struct {
	mu       sync.Mutex
	received []kernel.Exception
	notify   chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{notify: make(chan struct{}, 16)}
}

func (s *fakeSink) Deposit(exc kernel.Exception) {
	s.mu.Lock()
	s.received = append(s.received, exc)
	s.mu.Unlock()
	s.notify <- struct{}{}
}

func init() {
	var counter kernel.ThreadID = 5000
	var mu sync.Mutex
	kernel.CurrentThreadIDFunc = func() (kernel.ThreadID, error) {
		mu.Lock()
		defer mu.Unlock()
		counter++
		return counter, nil
	}
}

func TestInitializeBindsPortToEveryThread(t *testing.T) {
	task := newFakeTask()
	sink := newFakeSink()
	s := New(task, sink)

	if _, err := s.Initialize([]kernel.ThreadID{1, 2, 3}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer func() {
		task.stop()
		s.Stop()
	}()

	task.mu.Lock()
	defer task.mu.Unlock()
	for _, id := range []kernel.ThreadID{1, 2, 3} {
		if task.boundPorts[id] != 42 {
			t.Errorf("thread %d bound to port %d, want 42", id, task.boundPorts[id])
		}
	}
}

func TestServerDepositsAndReplies(t *testing.T) {
	task := newFakeTask()
	sink := newFakeSink()
	s := New(task, sink)

	if _, err := s.Initialize([]kernel.ThreadID{1}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer func() {
		task.stop()
		s.Stop()
	}()

	exc := kernel.Exception{ThreadID: 1, Kind: 6}
	task.incoming <- exc

	select {
	case <-sink.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("exception was not deposited in time")
	}

	sink.mu.Lock()
	if len(sink.received) != 1 || sink.received[0].ThreadID != exc.ThreadID || sink.received[0].Kind != exc.Kind {
		t.Fatalf("received %+v, want [%+v]", sink.received, exc)
	}
	sink.mu.Unlock()

	task.mu.Lock()
	if task.repliesSent != 1 {
		t.Fatalf("repliesSent = %d, want 1", task.repliesSent)
	}
	task.mu.Unlock()
}

func TestServerStopsOnPortDestroyed(t *testing.T) {
	task := newFakeTask()
	sink := newFakeSink()
	s := New(task, sink)

	if _, err := s.Initialize(nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	task.stop()

	select {
	case <-s.doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after its port was destroyed")
	}
}
