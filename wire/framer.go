package wire

// Framer holds the piece of state a stream-based caller needs between
// calls to Feed: the tail bytes of an incomplete frame. The zero Framer
// has checksum verification disabled; use NewFramer for the default
// GDB-remote-serial-protocol posture of verification enabled.
type Framer struct {
	VerifyChecksum bool

	partial []byte
}

// NewFramer returns a Framer with checksum verification enabled.
func NewFramer() *Framer {
	return &Framer{VerifyChecksum: true}
}

// Feed appends newBytes to the framer's retained partial buffer and
// extracts as many complete packets as are now available, in receipt
// order. It never blocks and never returns a Go error: malformed or
// checksum-failing frames are surfaced as InvalidPacket/InvalidChecksum
// packets, per spec.md's "the framer is total" requirement.
func (f *Framer) Feed(newBytes []byte) []Packet {
	buf := append(f.partial, newBytes...)
	packets, rest := parsePackets(buf, f.VerifyChecksum)
	f.partial = rest
	return packets
}

// ParsePackets is the stateless form of the framer's contract: given
// bytes retained from a previous call (partial) plus newly received
// bytes (newBytes), it returns the packets decodable so far, in receipt
// order, and the tail bytes to retain for the next call. Checksum
// verification is enabled, matching the default stub posture; use a
// Framer with VerifyChecksum set to false to disable it.
func ParsePackets(partial, newBytes []byte) (packets []Packet, rest []byte) {
	buf := append(append([]byte{}, partial...), newBytes...)
	return parsePackets(buf, true)
}

func parsePackets(buf []byte, verify bool) (packets []Packet, rest []byte) {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case '+':
			packets = append(packets, Packet{Kind: Ack, Raw: buf[i : i+1]})
			i++
		case '-':
			packets = append(packets, Packet{Kind: Nack, Raw: buf[i : i+1]})
			i++
		case 0x03:
			packets = append(packets, Packet{Kind: Interrupt, Raw: buf[i : i+1]})
			i++
		case '$':
			pkt, consumed, complete := parseFrame(buf[i:], verify)
			if !complete {
				// Incomplete frame: everything from '$' onward goes back
				// into partial for the next call.
				return packets, buf[i:]
			}
			packets = append(packets, pkt)
			i += consumed
		default:
			// Synchronization noise outside a frame: skipped silently.
			i++
		}
	}
	return packets, nil
}

// parseFrame attempts to decode one '$'-delimited frame starting at
// buf[0] == '$'. complete is false if the frame is not fully present yet
// (no '#' plus two more bytes found); in that case consumed/pkt are
// meaningless and the caller should retain buf as partial.
func parseFrame(buf []byte, verify bool) (pkt Packet, consumed int, complete bool) {
	hashIdx := -1
	for i := 1; i < len(buf); i++ {
		if buf[i] == '#' {
			hashIdx = i
			break
		}
	}
	if hashIdx == -1 {
		return Packet{}, 0, false
	}
	if hashIdx+2 >= len(buf) {
		// '#' seen but the two checksum hex digits haven't arrived yet.
		return Packet{}, 0, false
	}

	body := buf[1:hashIdx]
	hi, lo := buf[hashIdx+1], buf[hashIdx+2]
	raw := buf[:hashIdx+3]

	wantSum, okHex := parseChecksumHex(hi, lo)
	if !okHex {
		return Packet{Kind: InvalidPacket, Raw: raw}, hashIdx + 3, true
	}

	binary := isBinaryPayload(body)
	var rawPayload []byte
	if binary {
		rawPayload = Decode(body)
	} else {
		rawPayload = body
	}

	if verify && checksum(rawPayload) != wantSum {
		return Packet{Kind: InvalidChecksum, Raw: raw}, hashIdx + 3, true
	}

	pkt = Packet{Raw: raw, Payload: rawPayload}
	if binary {
		pkt.Kind = Binary
	} else {
		pkt.Kind = Text
	}

	return pkt, hashIdx + 3, true
}
