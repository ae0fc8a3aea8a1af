// Package wire implements the framing half of the remote-debugging wire
// protocol: packetizing a byte stream into ACK/NACK/interrupt/payload
// packets, escaping and unescaping binary payloads, and computing and
// verifying the modulo-256 checksum. It is grounded on the send/recv and
// wiredecode/binarywiredecode machinery of a GDB-remote-serial-protocol
// stub, reshaped from a blocking-read loop into the pure total framer
// spec.md mandates: ParsePackets never blocks and never returns a Go
// error, only packet variants.
package wire

import "fmt"

// Kind distinguishes the packet variants ParsePackets can emit.
type Kind int

const (
	Ack Kind = iota
	Nack
	Interrupt
	Text
	Binary
	InvalidPacket
	InvalidChecksum
)

func (k Kind) String() string {
	switch k {
	case Ack:
		return "ACK"
	case Nack:
		return "NACK"
	case Interrupt:
		return "Interrupt"
	case Text:
		return "Text"
	case Binary:
		return "Binary"
	case InvalidPacket:
		return "InvalidPacket"
	case InvalidChecksum:
		return "InvalidChecksum"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Packet is one decoded unit from the wire. Payload is meaningful only
// for Text and Binary: Text holds the payload bytes widened one-per-byte
// (the payload is meant to be read as ASCII text); Binary holds the raw,
// unescaped bytes including the leading 'X' that marked it as binary.
// Raw holds the original framed bytes as received, for diagnostics on
// InvalidPacket/InvalidChecksum.
type Packet struct {
	Kind    Kind
	Payload []byte
	Raw     []byte
}

func (p Packet) String() string {
	switch p.Kind {
	case Text, Binary:
		return fmt.Sprintf("%s(%q)", p.Kind, p.Payload)
	default:
		return p.Kind.String()
	}
}
