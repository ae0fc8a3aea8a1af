// Package kernel defines the Mach/POSIX primitives the controller core
// consumes: task and thread handles, the exception port, VM
// allocation/protection, and task_info(TASK_DYLD_INFO). Everything in this
// package is a thin interface around kernel calls; the concrete darwin
// implementation lives in this package's *_darwin.go files (cgo), which
// are the only files in this module that talk to mach_* directly.
package kernel

import (
	"errors"

	"github.com/rkusner/machctl/machine"
)

// ErrNativeBackendDisabled is returned by every Task/Thread method when
// this binary was not built with both darwin and the machnative build
// tag, mirroring delve's nonative_darwin.go: the interfaces exist on every
// platform so the rest of the module type-checks everywhere, but only the
// darwin+machnative build can actually talk to a Mach kernel.
var ErrNativeBackendDisabled = errors.New("kernel: native Mach backend disabled in this build")

// ThreadID is a kernel thread id (a Mach thread_act_t / thread port, cast
// to an ordinary integer for use as a map key and for comparison against
// the controller's own thread ids).
type ThreadID uint32

// Port is a Mach port name. Zero means "no port" (spec.md's
// exception_port starts at 0 until initialized).
type Port uint32

// Exception mask bits, mirroring <mach/exception_types.h>'s EXC_MASK_*
// constants. SetExceptionPort always registers EXC_MASK_BREAKPOINT today;
// these are exposed so a caller can describe or validate a broader mask
// set even though only the breakpoint mask is load-bearing.
const (
	MaskBadAccess      = 1 << 1
	MaskBadInstruction = 1 << 2
	MaskArithmetic     = 1 << 3
	MaskBreakpoint     = 1 << 6
)

// ExceptionKind is the small integer the kernel layer hands back
// classifying a caught exception (EXC_BREAKPOINT, EXC_BAD_ACCESS, ...).
// Nothing in this module interprets these: the controller's IP rewind is
// decided by the breakpoint engine's landing-address lookup alone,
// whatever the kind.
type ExceptionKind int32

// Exception is a single caught exception, as delivered by the exception
// server to the controller. Data is an ordered sequence of machine-word
// sized values the kernel attached to the exception message (for a
// EXC_BREAKPOINT this is typically empty; for EXC_BAD_ACCESS it carries
// the faulting address and access type).
type Exception struct {
	ThreadID ThreadID
	Kind     ExceptionKind
	Data     []uintptr
}

// Task is the kernel-level handle for the current process's task: thread
// enumeration, VM operations, exception port binding, and dyld info query.
// The darwin implementation is a thin wrapper around a single mach task_t;
// non-darwin builds implement it as a permanently failing stub (there is
// no Mach kernel to talk to).
type Task interface {
	// Threads returns the current kernel thread ids for every thread in
	// the task, in no particular order. Result is a snapshot.
	Threads() ([]ThreadID, error)

	// Thread returns a handle for one thread of this task.
	Thread(id ThreadID) (Thread, error)

	// AllocateExceptionPort creates a receive-rights port suitable for
	// receiving exception messages from this task.
	AllocateExceptionPort() (Port, error)

	// SetExceptionPort binds port as the exception-handler port for the
	// given thread, for the exception mask this module cares about
	// (breakpoint + single-step traps).
	SetExceptionPort(thread ThreadID, port Port) error

	// ReceiveException blocks until an exception message arrives on
	// port, decodes it, and returns it. It does not reply to the kernel;
	// Reply must be called afterward.
	ReceiveException(port Port) (Exception, error)

	// Reply tells the kernel the exception identified by exc has been
	// handled and the thread may be resumed.
	Reply(exc Exception) error

	// VMAllocate allocates size bytes anywhere in the task's address
	// space and returns its base address.
	VMAllocate(size uint64) (machine.Address, error)

	// VMProtect applies perm to the size bytes starting at addr.
	VMProtect(addr machine.Address, size uint64, perm machine.Permission) error

	// VMDeallocate releases the size bytes starting at addr.
	VMDeallocate(addr machine.Address, size uint64) error

	// SharedLibraryInfoAddress returns all_image_info_addr from
	// task_info(TASK_DYLD_INFO).
	SharedLibraryInfoAddress() (machine.Address, error)
}

// Thread is a single kernel thread within the task, exposing just enough
// to satisfy machine.Thread plus register access. Single-instruction
// stepping is explicitly not part of this interface: spec.md delegates
// stepping to the thread operations the caller already has.
type Thread interface {
	machine.Thread

	ID() ThreadID

	// ReadRegisterSet / WriteRegisterSet access one named register set
	// (e.g. general-purpose, floating point) identified by a small
	// integer id, the way GETREGSET/SETREGSET style APIs do.
	ReadRegisterSet(setID int) ([]byte, error)
	WriteRegisterSet(setID int, data []byte) error
}
