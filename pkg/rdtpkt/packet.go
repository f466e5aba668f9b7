// Package rdtpkt implements the on-wire packet format for the RDT
// protocol: a fixed 11-byte header (seq, ack, flags, length) followed by
// payload. Encoding is stateless and big-endian throughout, the same
// convention the teacher uses for its ConnID byte-packing in connpool.
package rdtpkt

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/gortc/rdt/pkg/rdterrors"
)

const (
	// HeaderLen is the size in bytes of the fixed packet header.
	HeaderLen = 11

	// MaxPayload bounds a single packet's payload so a corrupt length
	// field can't cause an unbounded allocation in Decode.
	MaxPayload = 0xffff
)

// Flag bits within the header's single flags byte.
const (
	FlagSYN byte = 1 << iota
	FlagACK
	FlagFIN
)

// ControlPayload is the tiny synthetic payload control packets (SYN, FIN)
// carry so that LEN advances seq/ack bookkeeping by exactly one byte, the
// same convention used by the original lab07/rdt.py draft this protocol is
// derived from.
var ControlPayload = []byte{0xAC}

// Packet is the on-wire unit described in spec.md §3: a 32-bit seq, a
// 32-bit ack, SYN/ACK/FIN flags, and a payload whose length is never
// stored independently of len(Payload).
type Packet struct {
	Seq     uint32
	Ack     uint32
	Flags   byte
	Payload []byte
}

// Len returns the payload length, which is always LEN on the wire.
func (p Packet) Len() int { return len(p.Payload) }

// SYN reports whether the SYN flag is set.
func (p Packet) SYN() bool { return p.Flags&FlagSYN != 0 }

// ACK reports whether the ACK flag is set.
func (p Packet) ACK() bool { return p.Flags&FlagACK != 0 }

// FIN reports whether the FIN flag is set.
func (p Packet) FIN() bool { return p.Flags&FlagFIN != 0 }

// End returns the sequence number one past the last byte this packet
// carries: Seq + LEN. A packet is cumulatively acknowledged once an ack
// value reaches this.
func (p Packet) End() uint32 { return p.Seq + uint32(p.Len()) }

// New builds a data or control packet. Control packets (SYN/FIN with no
// application payload) get ControlPayload so LEN is 1, matching the wire
// convention documented on ControlPayload.
func New(seq, ack uint32, flags byte, payload []byte) Packet {
	if len(payload) == 0 && flags&(FlagSYN|FlagFIN) != 0 {
		payload = ControlPayload
	}
	return Packet{Seq: seq, Ack: ack, Flags: flags, Payload: payload}
}

// String renders a packet the way the teacher's ConnID.String formats
// connection tuples, for use in dlog call sites.
func (p Packet) String() string {
	var flags string
	for _, f := range []struct {
		bit  byte
		name string
	}{{FlagSYN, "S"}, {FlagACK, "A"}, {FlagFIN, "F"}} {
		if p.Flags&f.bit != 0 {
			flags += f.name
		}
	}
	if flags == "" {
		flags = "-"
	}
	return fmt.Sprintf("seq=%d ack=%d flags=%s len=%d", p.Seq, p.Ack, flags, p.Len())
}

// Encode serializes a packet to its wire form: big-endian seq(4) ack(4)
// flags(1) length(2) payload.
func Encode(p Packet) []byte {
	buf := make([]byte, HeaderLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.Seq)
	binary.BigEndian.PutUint32(buf[4:8], p.Ack)
	buf[8] = p.Flags
	binary.BigEndian.PutUint16(buf[9:11], uint16(len(p.Payload)))
	copy(buf[HeaderLen:], p.Payload)
	return buf
}

// Decode parses the wire form of a packet. It fails with ErrMalformed if
// the buffer is shorter than the header, the declared length disagrees
// with the number of bytes actually present, or the declared length
// exceeds MaxPayload.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < HeaderLen {
		return Packet{}, errors.Wrapf(rdterrors.ErrMalformed, "short header: got %d bytes, want at least %d", len(buf), HeaderLen)
	}
	seq := binary.BigEndian.Uint32(buf[0:4])
	ack := binary.BigEndian.Uint32(buf[4:8])
	flags := buf[8]
	length := binary.BigEndian.Uint16(buf[9:11])
	if length > MaxPayload {
		return Packet{}, errors.Wrapf(rdterrors.ErrMalformed, "declared length %d exceeds max payload %d", length, MaxPayload)
	}
	rest := buf[HeaderLen:]
	if int(length) != len(rest) {
		return Packet{}, errors.Wrapf(rdterrors.ErrMalformed, "length mismatch: header says %d, got %d remaining bytes", length, len(rest))
	}
	payload := make([]byte, length)
	copy(payload, rest)
	return Packet{Seq: seq, Ack: ack, Flags: flags, Payload: payload}, nil
}
