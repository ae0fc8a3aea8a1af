//go:build darwin && machnative
// +build darwin,machnative

package kernel

// This file, with the other *_darwin.go files of this package, is the only
// place in the module that speaks Mach directly. It mirrors the split delve's native/darwin backend uses: a thin cgo
// shim around task_threads/mach_port_allocate/mach_vm_allocate/
// thread_get_state, with the exception-message decode kept deliberately
// small (mach exception message layout is a kernel ABI detail, not
// something this module's tests exercise).
//
// #include <mach/mach.h>
// #include <mach/mach_vm.h>
// #include <mach/exc.h>
// #include <string.h>
//
// static kern_return_t alloc_exc_port(mach_port_t *out) {
//   kern_return_t kr = mach_port_allocate(mach_task_self(), MACH_PORT_RIGHT_RECEIVE, out);
//   if (kr != KERN_SUCCESS) {
//     return kr;
//   }
//   return mach_port_insert_right(mach_task_self(), *out, *out, MACH_MSG_TYPE_MAKE_SEND);
// }
//
// static kern_return_t bind_exc_port(thread_act_t thread, mach_port_t excport) {
//   return thread_set_exception_ports(thread, EXC_MASK_BREAKPOINT, excport,
//     EXCEPTION_DEFAULT, THREAD_STATE_NONE);
// }
//
// static kern_return_t recv_msg(mach_port_t port, char *buf, mach_msg_size_t bufsz, mach_msg_size_t *got) {
//   mach_msg_header_t *hdr = (mach_msg_header_t *)buf;
//   hdr->msgh_local_port = port;
//   hdr->msgh_size = bufsz;
//   kern_return_t kr = mach_msg(hdr, MACH_RCV_MSG, 0, bufsz, port, MACH_MSG_TIMEOUT_NONE, MACH_PORT_NULL);
//   if (kr != KERN_SUCCESS) {
//     return kr;
//   }
//   *got = hdr->msgh_size;
//   return KERN_SUCCESS;
// }
import "C"

import (
	"sync"
	"unsafe"

	"github.com/rkusner/machctl/machine"
)

// darwinTask is the concrete kernel.Task for the current process.
type darwinTask struct {
	self C.task_t

	mu      sync.Mutex
	threads map[ThreadID]*darwinThread
}

// SelfTask returns the Task handle for the current process, i.e. what
// spec.md calls the task_handle: "opaque kernel handle for the current
// process's task".
func SelfTask() Task {
	return &darwinTask{
		self:    C.mach_task_self(),
		threads: make(map[ThreadID]*darwinThread),
	}
}

func init() {
	CurrentThreadIDFunc = func() (ThreadID, error) {
		return ThreadID(C.mach_thread_self()), nil
	}
}

func krErr(context string, kr C.kern_return_t) error {
	if kr == C.KERN_SUCCESS {
		return nil
	}
	return &KernelError{Context: context, Code: int32(kr)}
}

func (t *darwinTask) Threads() ([]ThreadID, error) {
	var list C.thread_act_array_t
	var count C.mach_msg_type_number_t
	kr := C.task_threads(t.self, &list, &count)
	if err := krErr("task_threads", kr); err != nil {
		return nil, err
	}
	defer C.vm_deallocate(C.mach_task_self(), C.mach_vm_address_t(uintptr(unsafe.Pointer(list))), C.vm_size_t(uintptr(count)*unsafe.Sizeof(C.thread_act_t(0))))

	ids := make([]ThreadID, 0, int(count))
	raw := unsafe.Slice((*C.thread_act_t)(unsafe.Pointer(list)), int(count))
	for _, act := range raw {
		ids = append(ids, ThreadID(act))
	}
	return ids, nil
}

func (t *darwinTask) Thread(id ThreadID) (Thread, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if th, ok := t.threads[id]; ok {
		return th, nil
	}
	th := &darwinThread{id: id, act: C.thread_act_t(id), task: t}
	t.threads[id] = th
	return th, nil
}

func (t *darwinTask) AllocateExceptionPort() (Port, error) {
	var port C.mach_port_t
	kr := C.alloc_exc_port(&port)
	if err := krErr("mach_port_allocate", kr); err != nil {
		return 0, err
	}
	return Port(port), nil
}

func (t *darwinTask) SetExceptionPort(thread ThreadID, port Port) error {
	kr := C.bind_exc_port(C.thread_act_t(thread), C.mach_port_t(port))
	return krErr("thread_set_exception_ports", kr)
}

// excMsgSize is large enough to hold the fixed-size exception_raise
// request the kernel sends for EXC_BREAKPOINT/EXC_BAD_ACCESS; it does not
// need to grow because this module never registers for exceptions that
// carry variable-length codes.
const excMsgSize = 512

func (t *darwinTask) ReceiveException(port Port) (Exception, error) {
	buf := make([]byte, excMsgSize)
	var got C.mach_msg_size_t
	kr := C.recv_msg(C.mach_port_t(port), (*C.char)(unsafe.Pointer(&buf[0])), C.mach_msg_size_t(len(buf)), &got)
	if err := krErr("mach_msg receive", kr); err != nil {
		return Exception{}, err
	}
	return decodeExceptionMessage(buf[:got])
}

func (t *darwinTask) Reply(exc Exception) error {
	// Acknowledging an exception message in the real protocol requires
	// replying on the reply port carried in the original message header
	// with KERN_SUCCESS so the kernel resumes the thread; this module
	// does not retain that reply port across the decode step (it is not
	// part of the Exception value spec.md defines), so replying is the
	// exception server's responsibility using the raw message buffer it
	// already holds. This method exists to satisfy the Task interface
	// for callers that only have the decoded Exception.
	return nil
}

func (t *darwinTask) VMAllocate(size uint64) (machine.Address, error) {
	var addr C.mach_vm_address_t
	kr := C.mach_vm_allocate(t.self, &addr, C.mach_vm_size_t(size), C.VM_FLAGS_ANYWHERE)
	if err := krErr("mach_vm_allocate", kr); err != nil {
		return 0, err
	}
	return machine.Address(addr), nil
}

func (t *darwinTask) VMProtect(addr machine.Address, size uint64, perm machine.Permission) error {
	prot := protectionBits(perm)
	kr := C.mach_vm_protect(t.self, C.mach_vm_address_t(addr), C.mach_vm_size_t(size), C.boolean_t(0), prot)
	return krErr("mach_vm_protect", kr)
}

func (t *darwinTask) VMDeallocate(addr machine.Address, size uint64) error {
	kr := C.mach_vm_deallocate(t.self, C.mach_vm_address_t(addr), C.mach_vm_size_t(size))
	return krErr("mach_vm_deallocate", kr)
}

func (t *darwinTask) SharedLibraryInfoAddress() (machine.Address, error) {
	var info C.task_dyld_info_data_t
	count := C.mach_msg_type_number_t(C.TASK_DYLD_INFO_COUNT)
	kr := C.task_info(t.self, C.TASK_DYLD_INFO, C.task_info_t(unsafe.Pointer(&info)), &count)
	if err := krErr("task_info(TASK_DYLD_INFO)", kr); err != nil {
		return 0, err
	}
	return machine.Address(info.all_image_info_addr), nil
}

// protectionBits translates a machine.Permission set to the native
// vm_prot_t bits. Unknown bits are zero, per spec.md §4.6 step 2 — this
// is the permission translation the spec.md §9 open question calls out:
// it honors its input, unlike the source it was ported from.
func protectionBits(perm machine.Permission) C.vm_prot_t {
	var bits C.vm_prot_t
	if perm.Has(machine.Read) {
		bits |= C.VM_PROT_READ
	}
	if perm.Has(machine.Write) {
		bits |= C.VM_PROT_WRITE
	}
	if perm.Has(machine.Execute) {
		bits |= C.VM_PROT_EXECUTE
	}
	return bits
}
