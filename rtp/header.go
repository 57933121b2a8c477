// Package rtp implements RTP framing (header pack/unpack, send/receive
// state) and the peer registry.
//
// Encode/Decode implement the full RFC 3550 fixed header rather than a
// CC=0/no-padding shortcut: independent padding count, extension bit,
// CSRC list and marker bit.
package rtp

import (
	"encoding/binary"

	"github.com/mgsx-dev/midikit/errs"
)

const (
	version        = 2
	headerSize     = 12
	maxCSRC        = 15
	rtpMidiPayload = 0x61 // the static payload type used throughout this module
)

// Packet is a decoded RTP packet: the value passed between the framing
// layer and the payload codec.
type Packet struct {
	Padding     uint8 // number of padding bytes; 0 means the P bit is clear
	Extension   bool
	CSRC        []uint32 // 0-15 entries
	Marker      bool
	PayloadType uint8
	SequenceNumber uint16
	Timestamp      uint32
	SSRC           uint32
	Payload        []byte

	// TotalSize is set by Decode to the number of bytes the wire
	// packet occupied, including any padding.
	TotalSize int
}

// Encode renders p as a wire-format RTP packet. If p.Padding > 0, the
// final byte of the packet is the padding count and padding-1 zero
// bytes precede it, per RFC 3550 §5.1.
func Encode(p Packet) ([]byte, error) {
	if len(p.CSRC) > maxCSRC {
		return nil, errs.Newf(errs.Truncated, "rtp.Encode", "csrc count %d exceeds %d", len(p.CSRC), maxCSRC)
	}
	if p.PayloadType > 0x7f {
		return nil, errs.Newf(errs.BadProperty, "rtp.Encode", "payload type %d does not fit 7 bits", p.PayloadType)
	}

	size := headerSize + 4*len(p.CSRC) + len(p.Payload)
	if p.Padding > 0 {
		size += int(p.Padding)
	}
	buf := make([]byte, 0, size)

	b0 := byte(version << 6)
	if p.Padding > 0 {
		b0 |= 0x20
	}
	if p.Extension {
		b0 |= 0x10
	}
	b0 |= byte(len(p.CSRC)) & 0x0f

	b1 := p.PayloadType & 0x7f
	if p.Marker {
		b1 |= 0x80
	}

	buf = append(buf, b0, b1)
	buf = appendUint16(buf, p.SequenceNumber)
	buf = appendUint32(buf, p.Timestamp)
	buf = appendUint32(buf, p.SSRC)
	for _, c := range p.CSRC {
		buf = appendUint32(buf, c)
	}
	buf = append(buf, p.Payload...)

	if p.Padding > 0 {
		buf = append(buf, make([]byte, p.Padding-1)...)
		buf = append(buf, p.Padding)
	}

	return buf, nil
}

// Decode parses a wire-format RTP packet. It validates V==2 and that
// the declared CSRC count does not exceed the remaining buffer; it does
// not resolve the sender peer — callers match Packet.SSRC against a
// Registry and produce errs.UnknownPeer themselves, since an unknown
// SSRC is meaningful to the caller (e.g. "invite this address") in a
// way Decode alone cannot express.
func Decode(buf []byte) (Packet, error) {
	if len(buf) < headerSize {
		return Packet{}, errs.Newf(errs.Truncated, "rtp.Decode", "buffer of %d bytes shorter than %d-byte header", len(buf), headerSize)
	}

	b0 := buf[0]
	v := b0 >> 6
	if v != version {
		return Packet{}, errs.Newf(errs.Decode, "rtp.Decode", "version %d, want %d", v, version)
	}
	hasPadding := b0&0x20 != 0
	p := Packet{
		Extension: b0&0x10 != 0,
	}
	ccCount := int(b0 & 0x0f)

	b1 := buf[1]
	p.Marker = b1&0x80 != 0
	p.PayloadType = b1 & 0x7f

	p.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	p.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	p.SSRC = binary.BigEndian.Uint32(buf[8:12])

	offset := headerSize
	if offset+4*ccCount > len(buf) {
		return Packet{}, errs.Newf(errs.Truncated, "rtp.Decode", "declared csrc count %d exceeds remaining %d bytes", ccCount, len(buf)-offset)
	}
	if ccCount > 0 {
		p.CSRC = make([]uint32, ccCount)
		for i := 0; i < ccCount; i++ {
			p.CSRC[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
			offset += 4
		}
	}

	payloadEnd := len(buf)
	if hasPadding {
		padCount := int(buf[len(buf)-1])
		if padCount == 0 || offset+padCount > len(buf) {
			return Packet{}, errs.Newf(errs.Decode, "rtp.Decode", "invalid padding count %d", padCount)
		}
		payloadEnd -= padCount
		p.Padding = uint8(padCount)
	}
	if payloadEnd < offset {
		return Packet{}, errs.Newf(errs.Truncated, "rtp.Decode", "padding overruns header")
	}

	p.Payload = buf[offset:payloadEnd]
	p.TotalSize = len(buf)
	return p, nil
}

// SequenceDiff returns a-b using 16-bit signed-difference arithmetic,
// so comparisons stay correct across a sequence-number wrap.
func SequenceDiff(a, b uint16) int16 {
	return int16(a - b)
}

// SequenceIsNewer reports whether a is strictly ahead of b in the
// wrapped sequence space.
func SequenceIsNewer(a, b uint16) bool {
	return SequenceDiff(a, b) > 0
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
