package kernel

// CurrentThreadIDFunc is set by the platform-specific init in this
// package (task_darwin.go under darwin+machnative, nonative.go
// otherwise) to whatever knows how to ask the kernel for the calling
// OS thread's id. The controller, the exception server goroutine and the
// utility thread each call it right after runtime.LockOSThread, to learn
// their own thread ids for self-exclusion from thread enumeration.
var CurrentThreadIDFunc func() (ThreadID, error)

// CurrentThreadID returns the kernel thread id of the calling OS thread.
// Callers must have already called runtime.LockOSThread so that the
// answer stays valid for the lifetime of the goroutine that asked.
func CurrentThreadID() (ThreadID, error) {
	if CurrentThreadIDFunc == nil {
		return 0, ErrNativeBackendDisabled
	}
	return CurrentThreadIDFunc()
}
