// Package token implements the stateful cursor spec.md §4.2 defines for
// consuming typed tokens out of a packet payload: hex/decimal integers,
// addresses, comma/character delimiters, and raw byte runs. It is
// grounded on the repeated strconv.ParseUint(s, 16, n) call sites scattered
// through a GDB-remote-serial-protocol client, generalized into one
// reusable type instead of ad hoc slicing at every call site.
package token

import (
	"math/bits"
	"strconv"

	"github.com/rkusner/machctl/machine"
)

// wordBits is the native machine word width in bits, used to cap
// TakeHexUword/TakeDecUword. This module targets 64-bit Mach hosts.
const wordBits = 64
const wordHexDigits = wordBits / 4

// Cursor is a stateful read-only cursor over a payload. All numeric
// readers operate in big-endian nibble order (most significant digit
// first), matching the wire protocol's textual hex encoding.
type Cursor struct {
	buf []byte
	pos int
}

// New returns a Cursor positioned at the start of payload.
func New(payload []byte) *Cursor {
	return &Cursor{buf: payload}
}

// HasMore reports whether the cursor has not reached the end of the
// payload.
func (c *Cursor) HasMore() bool {
	return c.pos < len(c.buf)
}

// Peek returns the next byte without consuming it. ok is false at end of
// payload.
func (c *Cursor) Peek() (b byte, ok bool) {
	if !c.HasMore() {
		return 0, false
	}
	return c.buf[c.pos], true
}

// TakeChar consumes and returns the next byte. ok is false at end of
// payload.
func (c *Cursor) TakeChar() (b byte, ok bool) {
	if !c.HasMore() {
		return 0, false
	}
	b = c.buf[c.pos]
	c.pos++
	return b, true
}

// TakeIf consumes the next byte if it equals want, reporting whether it
// did.
func (c *Cursor) TakeIf(want byte) bool {
	b, ok := c.Peek()
	if !ok || b != want {
		return false
	}
	c.pos++
	return true
}

// TakeComma is TakeIf(',').
func (c *Cursor) TakeComma() bool {
	return c.TakeIf(',')
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

func isDecDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// takeHexRun consumes the longest run of hex digits starting at the
// cursor, up to maxDigits. Returns the digits consumed and whether at
// least one digit (and no more than maxDigits) was found.
func (c *Cursor) takeHexRun(maxDigits int) (digits []byte, ok bool) {
	start := c.pos
	for c.pos < len(c.buf) && isHexDigit(c.buf[c.pos]) {
		c.pos++
	}
	n := c.pos - start
	if n == 0 {
		c.pos = start
		return nil, false
	}
	if n > maxDigits {
		c.pos = start
		return nil, false
	}
	return c.buf[start:c.pos], true
}

// TakeHexU64 consumes the longest hex run (1..16 digits), big-endian, and
// parses it as a uint64. Rejects an empty run or one longer than 16
// digits, leaving the cursor unmoved on failure.
func (c *Cursor) TakeHexU64() (v uint64, ok bool) {
	digits, ok := c.takeHexRun(16)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(string(digits), 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// TakeHexUword is TakeHexU64 capped at the native word width in hex
// digits (16 on a 64-bit host).
func (c *Cursor) TakeHexUword() (v uint64, ok bool) {
	digits, ok := c.takeHexRun(wordHexDigits)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(string(digits), 16, bits.UintSize)
	if err != nil {
		return 0, false
	}
	return v, true
}

// TakeDecUword consumes the longest decimal run and parses it as a
// uint64, rejecting overflow.
func (c *Cursor) TakeDecUword() (v uint64, ok bool) {
	start := c.pos
	for c.pos < len(c.buf) && isDecDigit(c.buf[c.pos]) {
		c.pos++
	}
	if c.pos == start {
		return 0, false
	}
	v, err := strconv.ParseUint(string(c.buf[start:c.pos]), 10, 64)
	if err != nil {
		c.pos = start
		return 0, false
	}
	return v, true
}

// TakeAddress consumes a hex machine word and returns it as an opaque
// address.
func (c *Cursor) TakeAddress() (machine.Address, bool) {
	v, ok := c.TakeHexUword()
	if !ok {
		return 0, false
	}
	return machine.Address(v), true
}

// TakeHexBytes consumes exactly 2*n hex characters and decodes them into n
// bytes. Fails (leaving the cursor unmoved) if fewer than 2*n hex
// characters remain or any pair is not valid hex.
func (c *Cursor) TakeHexBytes(n int) ([]byte, bool) {
	start := c.pos
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		if c.pos+2 > len(c.buf) || !isHexDigit(c.buf[c.pos]) || !isHexDigit(c.buf[c.pos+1]) {
			c.pos = start
			return nil, false
		}
		v, err := strconv.ParseUint(string(c.buf[c.pos:c.pos+2]), 16, 8)
		if err != nil {
			c.pos = start
			return nil, false
		}
		out[i] = byte(v)
		c.pos += 2
	}
	return out, true
}

// TakeHexBytesRest consumes the remainder of the payload as a run of hex
// character pairs, decoding it into bytes. Fails if the remaining length
// is odd or contains a non-hex character.
func (c *Cursor) TakeHexBytesRest() ([]byte, bool) {
	remaining := len(c.buf) - c.pos
	if remaining%2 != 0 {
		return nil, false
	}
	return c.TakeHexBytes(remaining / 2)
}
