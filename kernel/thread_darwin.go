//go:build darwin && machnative
// +build darwin,machnative

package kernel

// #include <mach/mach.h>
// #include <mach/thread_act.h>
//
// static kern_return_t susp(thread_act_t act) { return thread_suspend(act); }
// static kern_return_t res(thread_act_t act) { return thread_resume(act); }
import "C"

import (
	"fmt"

	"github.com/rkusner/machctl/machine"
)

// darwinThread is the concrete kernel.Thread for one thread of the
// current task. IP()/SetIP() and the generic register-set accessors are
// implemented per architecture in regs_<arch>_darwin.go, which knows the
// concrete thread-state flavor and struct layout; this file holds the
// arch-independent suspend/resume pair.
type darwinThread struct {
	id   ThreadID
	act  C.thread_act_t
	task *darwinTask
}

func (t *darwinThread) ID() ThreadID { return t.id }

func (t *darwinThread) Suspend() error {
	return krErr("thread_suspend", C.susp(t.act))
}

func (t *darwinThread) Resume() error {
	return krErr("thread_resume", C.res(t.act))
}

func (t *darwinThread) IP() (machine.Address, error) {
	return readIP(t.act)
}

func (t *darwinThread) SetIP(addr machine.Address) error {
	return writeIP(t.act, addr)
}

// regSetGeneral is the only register set id this module names directly;
// floating-point/vector sets are opaque blobs the caller may request by a
// different id but that this module never interprets.
const regSetGeneral = 0

func (t *darwinThread) ReadRegisterSet(setID int) ([]byte, error) {
	if setID != regSetGeneral {
		return nil, fmt.Errorf("unknown register set %d", setID)
	}
	return readGeneralRegisters(t.act)
}

func (t *darwinThread) WriteRegisterSet(setID int, data []byte) error {
	if setID != regSetGeneral {
		return fmt.Errorf("unknown register set %d", setID)
	}
	return writeGeneralRegisters(t.act, data)
}
