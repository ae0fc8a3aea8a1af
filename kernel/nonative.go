//go:build !darwin || !machnative
// +build !darwin !machnative

package kernel

import (
	"github.com/rkusner/machctl/machine"
)

func init() {
	CurrentThreadIDFunc = func() (ThreadID, error) { return 0, ErrNativeBackendDisabled }
}

type noopTask struct{}

// SelfTask returns a Task handle that fails every operation. On darwin
// with the machnative build tag this name resolves to task_darwin.go's
// real implementation instead.
func SelfTask() Task { return noopTask{} }

func (noopTask) Threads() ([]ThreadID, error) { return nil, ErrNativeBackendDisabled }
func (noopTask) Thread(ThreadID) (Thread, error) {
	return nil, ErrNativeBackendDisabled
}
func (noopTask) AllocateExceptionPort() (Port, error) { return 0, ErrNativeBackendDisabled }
func (noopTask) SetExceptionPort(ThreadID, Port) error { return ErrNativeBackendDisabled }
func (noopTask) ReceiveException(Port) (Exception, error) {
	return Exception{}, ErrNativeBackendDisabled
}
func (noopTask) Reply(Exception) error { return ErrNativeBackendDisabled }
func (noopTask) VMAllocate(uint64) (machine.Address, error) {
	return 0, ErrNativeBackendDisabled
}
func (noopTask) VMProtect(machine.Address, uint64, machine.Permission) error {
	return ErrNativeBackendDisabled
}
func (noopTask) VMDeallocate(machine.Address, uint64) error { return ErrNativeBackendDisabled }
func (noopTask) SharedLibraryInfoAddress() (machine.Address, error) {
	return 0, ErrNativeBackendDisabled
}
