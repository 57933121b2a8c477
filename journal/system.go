package journal

import (
	"github.com/mgsx-dev/midikit/errs"
	"github.com/mgsx-dev/midikit/midi"
)

const (
	sysChapMTC       = 1 << 4
	sysChapSongPos   = 1 << 3
	sysChapSongSel   = 1 << 2
	sysChapSimple    = 1 << 1
	sysChapSysEx     = 1 << 0
)

type mtcEntry struct {
	MessageType, Values uint8
	Seq                 uint16
	Set                 bool
}

type songPositionEntry struct {
	Position uint16
	Seq      uint16
	Set      bool
}

type songSelectEntry struct {
	Song uint8
	Seq  uint16
	Set  bool
}

// sysExState tracks a SysEx reassembly in progress: the bytes seen so
// far across fragments, for the rare case where a gap falls in the
// middle of one SysEx message.
type sysExState struct {
	Data []byte
	Seq  uint16
	Set  bool
}

// SystemJournal is the journal's system chapter: MTC, song-position,
// song-select, a simple-system-message log and SysEx reassembly state.
type SystemJournal struct {
	MTC         mtcEntry
	SongPos     songPositionEntry
	SongSel     songSelectEntry
	Simple      uint8 // most recent simple system realtime status byte
	SimpleSeq   uint16
	SimpleSet   bool
	SysEx       sysExState
}

func (s *SystemJournal) applyTimeCode(seq uint16, m midi.TimeCodeQuarterFrame) {
	s.MTC = mtcEntry{MessageType: m.MessageType, Values: m.Values, Seq: seq, Set: true}
}

func (s *SystemJournal) applySongPosition(seq uint16, m midi.SongPosition) {
	s.SongPos = songPositionEntry{Position: m.Position, Seq: seq, Set: true}
}

func (s *SystemJournal) applySongSelect(seq uint16, m midi.SongSelect) {
	s.SongSel = songSelectEntry{Song: m.Song, Seq: seq, Set: true}
}

func (s *SystemJournal) applySysEx(seq uint16, m midi.SystemExclusive) {
	if m.Fragment == 0 {
		s.SysEx.Data = append([]byte(nil), m.Data...)
	} else {
		s.SysEx.Data = append(s.SysEx.Data, m.Data...)
	}
	s.SysEx.Seq = seq
	s.SysEx.Set = !m.Final
	if m.Final {
		s.SysEx.Data = nil
	}
}

func (s *SystemJournal) truncate(ack uint16) {
	if !seqAfter(s.MTC.Seq, ack) {
		s.MTC = mtcEntry{}
	}
	if !seqAfter(s.SongPos.Seq, ack) {
		s.SongPos = songPositionEntry{}
	}
	if !seqAfter(s.SongSel.Seq, ack) {
		s.SongSel = songSelectEntry{}
	}
	if !seqAfter(s.SimpleSeq, ack) {
		s.SimpleSet = false
	}
	if !seqAfter(s.SysEx.Seq, ack) {
		s.SysEx = sysExState{}
	}
}

func (s *SystemJournal) hasContent(checkpoint uint16) bool {
	return (s.MTC.Set && seqAfter(s.MTC.Seq, checkpoint)) ||
		(s.SongPos.Set && seqAfter(s.SongPos.Seq, checkpoint)) ||
		(s.SongSel.Set && seqAfter(s.SongSel.Seq, checkpoint)) ||
		(s.SimpleSet && seqAfter(s.SimpleSeq, checkpoint)) ||
		(s.SysEx.Set && seqAfter(s.SysEx.Seq, checkpoint))
}

// encode returns the system chapter's body and whether it has any
// content past checkpoint.
func (s *SystemJournal) encode(checkpoint uint16) ([]byte, bool, error) {
	if !s.hasContent(checkpoint) {
		return nil, false, nil
	}
	var bitmap uint8
	var body []byte

	if s.MTC.Set && seqAfter(s.MTC.Seq, checkpoint) {
		bitmap |= sysChapMTC
		body = append(body, s.MTC.MessageType, s.MTC.Values)
	}
	if s.SongPos.Set && seqAfter(s.SongPos.Seq, checkpoint) {
		bitmap |= sysChapSongPos
		body = append(body, byte(s.SongPos.Position>>7), byte(s.SongPos.Position&0x7f))
	}
	if s.SongSel.Set && seqAfter(s.SongSel.Seq, checkpoint) {
		bitmap |= sysChapSongSel
		body = append(body, s.SongSel.Song)
	}
	if s.SimpleSet && seqAfter(s.SimpleSeq, checkpoint) {
		bitmap |= sysChapSimple
		body = append(body, s.Simple)
	}
	if s.SysEx.Set && seqAfter(s.SysEx.Seq, checkpoint) {
		bitmap |= sysChapSysEx
		if len(s.SysEx.Data) > 0xffff {
			return nil, false, errs.Newf(errs.Overflow, "journal.SystemJournal.encode", "sysex reassembly buffer %d bytes exceeds 16-bit length", len(s.SysEx.Data))
		}
		body = append(body, byte(len(s.SysEx.Data)>>8), byte(len(s.SysEx.Data)))
		body = append(body, s.SysEx.Data...)
	}

	return append([]byte{bitmap}, body...), true, nil
}

func (s *SystemJournal) decode(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, errs.New(errs.Decode, "journal.SystemJournal.decode", nil)
	}
	bitmap := buf[0]
	offset := 1
	need := func(n int) error {
		if offset+n > len(buf) {
			return errs.New(errs.Decode, "journal.SystemJournal.decode", nil)
		}
		return nil
	}

	if bitmap&sysChapMTC != 0 {
		if err := need(2); err != nil {
			return 0, err
		}
		s.MTC = mtcEntry{MessageType: buf[offset], Values: buf[offset+1], Set: true}
		offset += 2
	}
	if bitmap&sysChapSongPos != 0 {
		if err := need(2); err != nil {
			return 0, err
		}
		s.SongPos = songPositionEntry{Position: uint16(buf[offset])<<7 | uint16(buf[offset+1]), Set: true}
		offset += 2
	}
	if bitmap&sysChapSongSel != 0 {
		if err := need(1); err != nil {
			return 0, err
		}
		s.SongSel = songSelectEntry{Song: buf[offset], Set: true}
		offset++
	}
	if bitmap&sysChapSimple != 0 {
		if err := need(1); err != nil {
			return 0, err
		}
		s.Simple = buf[offset]
		s.SimpleSet = true
		offset++
	}
	if bitmap&sysChapSysEx != 0 {
		if err := need(2); err != nil {
			return 0, err
		}
		n := int(buf[offset])<<8 | int(buf[offset+1])
		offset += 2
		if err := need(n); err != nil {
			return 0, err
		}
		s.SysEx = sysExState{Data: append([]byte(nil), buf[offset:offset+n]...), Set: true}
		offset += n
	}
	return offset, nil
}
