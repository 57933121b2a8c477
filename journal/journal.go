// Package journal implements the RFC 6295 recovery journal: a per-peer
// record of "most recent relevant state" that lets a receiver fabricate
// the persistent-effect commands it missed across a sequence gap, and a
// checkpoint/truncation scheme driven by AppleMIDI receiver feedback
// (RS).
//
// This package is structured as a plain struct plus Encode/Decode
// methods over a byte slice, the same wire-struct shape used throughout
// the rest of this module.
package journal

import (
	"github.com/mgsx-dev/midikit/errs"
	"github.com/mgsx-dev/midikit/midi"
)

// chapter bits, in canonical reconstruction order: system first, then
// per channel P, C, M, W, N, E, T, A.
const (
	chapProgram   = 1 << 7 // P
	chapControl   = 1 << 6 // C
	chapParameter = 1 << 5 // M
	chapWheel     = 1 << 4 // W
	chapNote      = 1 << 3 // N
	chapNoteExtra = 1 << 2 // E
	chapAftertouch = 1 << 1 // T (channel pressure)
	chapPolyAfter  = 1 << 0 // A (poly key pressure)
)

const singlePacketLossBit = 0x80
const hasSystemBit = 0x40

// Journal is one peer's outbound (or, symmetrically, decoded inbound)
// recovery state: a system chapter plus one chapter set per MIDI
// channel, each entry carrying the sender sequence number it was last
// touched at.
type Journal struct {
	Channels   [16]ChannelJournal
	System     SystemJournal
	Checkpoint uint16 // entries with Seq <= Checkpoint are eligible for truncation
}

// New returns an empty journal with checkpoint 0.
func New() *Journal {
	return &Journal{}
}

// Update routes a single outgoing or received MIDI message into the
// appropriate chapter, stamping it with seq. Note releases go to the
// note chapter's off-log, a real-time message replaces the system
// chapter's simple-message slot, and tune request is not journaled;
// Update itself only dispatches by kind.
func (j *Journal) Update(seq uint16, msg midi.Message) {
	switch m := msg.(type) {
	case midi.ProgramChange:
		j.Channels[m.Channel&0xf].applyProgram(seq, m)
	case midi.ControlChange:
		j.Channels[m.Channel&0xf].applyControl(seq, m)
	case midi.PitchWheel:
		j.Channels[m.Channel&0xf].applyWheel(seq, m)
	case midi.NoteOn:
		j.Channels[m.Channel&0xf].applyNoteOn(seq, m)
	case midi.NoteOff:
		j.Channels[m.Channel&0xf].applyNoteOff(seq, m.Key)
	case midi.ChannelPressure:
		j.Channels[m.Channel&0xf].applyChannelPressure(seq, m)
	case midi.PolyKeyPressure:
		j.Channels[m.Channel&0xf].applyPolyPressure(seq, m)
	case midi.SystemExclusive:
		j.System.applySysEx(seq, m)
	case midi.TimeCodeQuarterFrame:
		j.System.applyTimeCode(seq, m)
	case midi.SongPosition:
		j.System.applySongPosition(seq, m)
	case midi.SongSelect:
		j.System.applySongSelect(seq, m)
	case midi.RealTime:
		j.System.Simple = m.StatusByte
		j.System.SimpleSeq = seq
		j.System.SimpleSet = true
	}
	// RPN/NRPN data-entry is expressed over ControlChange controllers
	// 98-101/6/38/96/97; applyControl recognizes those controller
	// numbers and also updates Channels[c].Parameter.
}

// Truncate discards every entry with Seq <= ack and advances the
// checkpoint, called from the RS feedback handler.
func (j *Journal) Truncate(ack uint16) {
	if seqNewer(ack, j.Checkpoint) {
		j.Checkpoint = ack
	}
	for i := range j.Channels {
		j.Channels[i].truncate(ack)
	}
	j.System.truncate(ack)
}

// Empty reports whether every chapter is below the checkpoint, i.e.
// encoding this journal would produce no chapters at all.
func (j *Journal) Empty() bool {
	if j.System.hasContent(j.Checkpoint) {
		return false
	}
	for i := range j.Channels {
		if j.Channels[i].hasContent(j.Checkpoint) {
			return false
		}
	}
	return true
}

func seqNewer(a, b uint16) bool {
	return int16(a-b) > 0
}

func seqAfter(seq, checkpoint uint16) bool {
	return seqNewer(seq, checkpoint)
}

// Encode renders the journal as an RFC 6295-style suffix: a header
// byte (S flag, system-chapter presence), a 16-bit channel-presence
// bitmap, the 16-bit checkpoint, then each present
// channel's chapter bitmap and chapter bodies in ascending channel
// order, with the system chapter (if present) emitted first.
func Encode(j *Journal, singlePacketLoss bool) ([]byte, error) {
	var out []byte
	header := byte(0)
	if singlePacketLoss {
		header |= singlePacketLossBit
	}
	systemBytes, hasSystem, err := j.System.encode(j.Checkpoint)
	if err != nil {
		return nil, err
	}
	if hasSystem {
		header |= hasSystemBit
	}

	var presence uint16
	type channelBody struct {
		idx  int
		body []byte
	}
	var bodies []channelBody
	for i := 0; i < 16; i++ {
		body, present, err := j.Channels[i].encode(j.Checkpoint)
		if err != nil {
			return nil, err
		}
		if present {
			presence |= 1 << uint(i)
			bodies = append(bodies, channelBody{i, body})
		}
	}

	out = append(out, header, byte(presence>>8), byte(presence), byte(j.Checkpoint>>8), byte(j.Checkpoint))
	if hasSystem {
		out = append(out, systemBytes...)
	}
	for _, cb := range bodies {
		out = append(out, cb.body...)
	}
	return out, nil
}

// Decode parses a journal suffix produced by Encode. A malformed
// journal is reported as errs.Decode; the caller still delivers the
// RTP packet's own commands and simply ignores the journal.
func Decode(buf []byte) (*Journal, error) {
	if len(buf) < 5 {
		return nil, errs.New(errs.Decode, "journal.Decode", nil)
	}
	header := buf[0]
	presence := uint16(buf[1])<<8 | uint16(buf[2])
	checkpoint := uint16(buf[3])<<8 | uint16(buf[4])
	offset := 5

	j := New()
	j.Checkpoint = checkpoint

	if header&hasSystemBit != 0 {
		n, err := j.System.decode(buf[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
	}

	for i := 0; i < 16; i++ {
		if presence&(1<<uint(i)) == 0 {
			continue
		}
		n, err := j.Channels[i].decode(buf[offset:])
		if err != nil {
			return nil, err
		}
		offset += n
	}
	return j, nil
}
