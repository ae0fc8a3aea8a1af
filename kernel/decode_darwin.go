//go:build darwin && machnative
// +build darwin,machnative

package kernel

// #include <mach/mach.h>
// #include <mach/exc.h>
//
// typedef struct {
//   mach_msg_header_t header;
//   mach_msg_body_t body;
//   NDR_record_t ndr;
//   exception_type_t exception;
//   mach_msg_type_number_t codeCnt;
//   integer_t code[2];
//   int flags;
//   mach_msg_trailer_t trailer;
// } simple_exc_msg_t;
import "C"

import (
	"fmt"
	"unsafe"
)

// decodeExceptionMessage parses the fixed-size exception_raise request the
// kernel sends for EXC_BREAKPOINT/EXC_BAD_ACCESS into the Exception shape
// spec.md §3 defines. It deliberately does not handle the variable-length
// "state" variant of the message (catch_exception_raise_state); this
// module never registers for that behavior.
func decodeExceptionMessage(buf []byte) (Exception, error) {
	if len(buf) < int(unsafe.Sizeof(C.simple_exc_msg_t{})) {
		return Exception{}, fmt.Errorf("exception message too short: %d bytes", len(buf))
	}
	msg := (*C.simple_exc_msg_t)(unsafe.Pointer(&buf[0]))

	thread := ThreadID(msg.header.msgh_local_port)
	kind := ExceptionKind(msg.exception)

	n := int(msg.codeCnt)
	if n > 2 {
		n = 2
	}
	data := make([]uintptr, n)
	for i := 0; i < n; i++ {
		data[i] = uintptr(msg.code[i])
	}

	return Exception{ThreadID: thread, Kind: kind, Data: data}, nil
}
