package kernel

import "fmt"

// KernelError wraps a Mach kern_return_t returned by a failed kernel
// call, the way GdbProtocolError wraps a GDB remote-protocol error code:
// a typed value callers can switch on instead of parsing Error() text.
type KernelError struct {
	Context string
	Code    int32
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: mach error %d", e.Context, e.Code)
}

// PosixError wraps an errno-style failure from a POSIX call. No backend in
// this module returns one: the darwin backend reports KernelError and the
// stub backend ErrNativeBackendDisabled.
type PosixError struct {
	Context string
	Errno   int
}

func (e *PosixError) Error() string {
	return fmt.Sprintf("%s: errno %d", e.Context, e.Errno)
}
