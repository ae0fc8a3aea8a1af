// Package breakpoint implements software-breakpoint installation via
// instruction patching, reference counting at a given address, and
// instruction-pointer rewind on hit. It is grounded on the Breakpoint
// record shape of a symbolic debugger's breakpoints.go, generalized to
// the two-map, ref-counted engine spec.md §4.3 describes, with the
// machine-specific patch sequence delegated entirely to machine.Patcher.
package breakpoint

import (
	"errors"
	"fmt"

	"github.com/rkusner/machctl/logflags"
	"github.com/rkusner/machctl/machine"
)

// ErrInvalidBreakpoint is returned by Remove when addr has no installed
// breakpoint.
var ErrInvalidBreakpoint = errors.New("breakpoint: invalid breakpoint")

// Handle identifies an installed breakpoint. It is just the address it
// was installed at; Remove takes it back to look the record up again.
type Handle machine.Address

// record is the per-address bookkeeping spec.md §3 calls
// BreakpointRecord.
type record struct {
	state    machine.State
	landing  machine.Address
	counter  int
}

// Protector widens a byte range's page protection so a trap instruction
// can be written into it. kernel.Task satisfies this directly through
// its VMProtect method; the breakpoint package never needs the rest of
// the Task interface.
type Protector interface {
	VMProtect(addr machine.Address, size uint64, perm machine.Permission) error
}

// Engine owns the two address-keyed indexes, the patcher used to
// install/restore trap instructions, and the protector used to widen a
// page before patching it. A single Engine must only ever be driven from
// the controller goroutine or from inside a controller Interrupt critical
// section; it does no locking of its own, per spec.md §5 ("touched only
// from the controller thread... need no additional lock").
type Engine struct {
	patcher   machine.Patcher
	protector Protector

	byAddress map[machine.Address]*record
	byLanding map[machine.Address]machine.Address
}

// New returns an Engine that patches breakpoints through patcher, widening
// protection through protector before each patch.
func New(patcher machine.Patcher, protector Protector) *Engine {
	return &Engine{
		patcher:   patcher,
		protector: protector,
		byAddress: make(map[machine.Address]*record),
		byLanding: make(map[machine.Address]machine.Address),
	}
}

// Install installs a software breakpoint at addr, or increments its
// reference count if one is already present. It never widens the page's
// protection or patches anything on the increment path.
//
// On the install path it first widens the page covering addr to
// read+write+execute for at least BreakpointSize bytes, then asks the
// machine layer to patch the instruction. If the machine layer's Patch
// call fails, this method does not attempt to restore the protection it
// just widened — spec.md §7 documents this as deliberate: the page is
// left with relaxed protection rather than tracking and restoring prior
// protection.
func (e *Engine) Install(addr machine.Address) (Handle, error) {
	if rec, ok := e.byAddress[addr]; ok {
		rec.counter++
		return Handle(addr), nil
	}

	size := uint64(e.patcher.BreakpointSize())
	if err := e.protector.VMProtect(addr, size, machine.Read|machine.Write|machine.Execute); err != nil {
		return Handle(0), fmt.Errorf("breakpoint: widen protection at %s: %w", addr, err)
	}

	state, landing, err := e.patcher.Patch(addr)
	if err != nil {
		return Handle(0), fmt.Errorf("breakpoint: patch %s: %w", addr, err)
	}

	rec := &record{state: state, landing: landing, counter: 1}
	e.byAddress[addr] = rec
	e.byLanding[landing] = addr

	logflags.BreakpointLogger().Debugf("installed breakpoint at %s (landing %s)", addr, landing)
	return Handle(addr), nil
}

// Remove decrements the reference count at h's address, restoring the
// original instruction bytes and removing both index entries once the
// count reaches zero.
func (e *Engine) Remove(h Handle) error {
	addr := machine.Address(h)
	rec, ok := e.byAddress[addr]
	if !ok {
		return ErrInvalidBreakpoint
	}

	rec.counter--
	if rec.counter >= 1 {
		return nil
	}

	if err := e.patcher.Restore(rec.state, addr); err != nil {
		rec.counter++
		return fmt.Errorf("breakpoint: restore %s: %w", addr, err)
	}

	landing := rec.landing
	delete(e.byAddress, addr)
	got, ok := e.byLanding[landing]
	if !ok || got != addr {
		panic(fmt.Sprintf("breakpoint: by_landing[%s] inverse lookup mismatch (got %s, want %s)", landing, got, addr))
	}
	delete(e.byLanding, landing)

	logflags.BreakpointLogger().Debugf("removed breakpoint at %s", addr)
	return nil
}

// Installed reports whether addr currently has a breakpoint installed
// (counter >= 1), and its reference count if so.
func (e *Engine) Installed(addr machine.Address) (count int, ok bool) {
	rec, ok := e.byAddress[addr]
	if !ok {
		return 0, false
	}
	return rec.counter, true
}

// RewindIfLanding implements spec.md §4.3's instruction-pointer rewind
// rule: if ip is a known landing address, it returns the original
// breakpoint address and ok=true. Otherwise ok is false and the caller
// must leave the thread's IP untouched — the exception was a plain step,
// not a breakpoint trap.
func (e *Engine) RewindIfLanding(ip machine.Address) (original machine.Address, ok bool) {
	addr, ok := e.byLanding[ip]
	return addr, ok
}
