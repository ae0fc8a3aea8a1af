//go:build darwin && amd64 && machnative
// +build darwin,amd64,machnative

package kernel

// #include <mach/mach.h>
// #include <mach/thread_act.h>
// #include <mach/i386/thread_status.h>
//
// static kern_return_t get_gp(thread_act_t act, x86_thread_state64_t *st) {
//   mach_msg_type_number_t count = x86_THREAD_STATE64_COUNT;
//   return thread_get_state(act, x86_THREAD_STATE64, (thread_state_t)st, &count);
// }
// static kern_return_t set_gp(thread_act_t act, x86_thread_state64_t *st) {
//   return thread_set_state(act, x86_THREAD_STATE64, (thread_state_t)st, x86_THREAD_STATE64_COUNT);
// }
import "C"

import (
	"unsafe"

	"github.com/rkusner/machctl/machine"
)

func readIP(act C.thread_act_t) (machine.Address, error) {
	var st C.x86_thread_state64_t
	if err := krErr("thread_get_state", C.get_gp(act, &st)); err != nil {
		return 0, err
	}
	return machine.Address(st.__rip), nil
}

func writeIP(act C.thread_act_t, addr machine.Address) error {
	var st C.x86_thread_state64_t
	if err := krErr("thread_get_state", C.get_gp(act, &st)); err != nil {
		return err
	}
	st.__rip = C.__uint64_t(addr)
	return krErr("thread_set_state", C.set_gp(act, &st))
}

func readGeneralRegisters(act C.thread_act_t) ([]byte, error) {
	var st C.x86_thread_state64_t
	if err := krErr("thread_get_state", C.get_gp(act, &st)); err != nil {
		return nil, err
	}
	buf := make([]byte, unsafe.Sizeof(st))
	copy(buf, (*[1 << 20]byte)(unsafe.Pointer(&st))[:len(buf):len(buf)])
	return buf, nil
}

func writeGeneralRegisters(act C.thread_act_t, data []byte) error {
	var st C.x86_thread_state64_t
	copy((*[1 << 20]byte)(unsafe.Pointer(&st))[:len(data):len(data)], data)
	return krErr("thread_set_state", C.set_gp(act, &st))
}
