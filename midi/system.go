package midi

import (
	"github.com/mgsx-dev/midikit/errs"
)

// --- System Common Messages ---

type TimeCodeQuarterFrame struct {
	MessageType uint8 // 3 bits
	Values      uint8 // 4 bits
}

func (m TimeCodeQuarterFrame) Kind() Kind   { return KindTimeCodeQuarterFrame }
func (m TimeCodeQuarterFrame) Status() byte { return 0xf1 }
func (m TimeCodeQuarterFrame) Encode(buf []byte) ([]byte, error) {
	if m.MessageType > 0x7 {
		return buf, errs.Newf(errs.BadProperty, "midi.TimeCodeQuarterFrame", "message type %d does not fit 3 bits", m.MessageType)
	}
	if m.Values > 0xf {
		return buf, errs.Newf(errs.BadProperty, "midi.TimeCodeQuarterFrame", "values %d does not fit 4 bits", m.Values)
	}
	return append(buf, m.Status(), m.MessageType<<4|m.Values), nil
}

func decodeTimeCode(status byte, data []byte) (Message, error) {
	return TimeCodeQuarterFrame{MessageType: (data[0] >> 4) & 0x7, Values: data[0] & 0xf}, nil
}

type SongPosition struct {
	// Position is the 14-bit MIDI beat count since the start of the song.
	Position uint16
}

func (m SongPosition) Kind() Kind   { return KindSongPosition }
func (m SongPosition) Status() byte { return 0xf2 }
func (m SongPosition) Encode(buf []byte) ([]byte, error) {
	if err := check14bit("midi.SongPosition", "position", m.Position); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), byte(m.Position&0x7f), byte((m.Position>>7)&0x7f)), nil
}

func decodeSongPosition(status byte, data []byte) (Message, error) {
	v := uint16(data[0]&0x7f) | uint16(data[1]&0x7f)<<7
	return SongPosition{Position: v}, nil
}

type SongSelect struct {
	Song uint8
}

func (m SongSelect) Kind() Kind   { return KindSongSelect }
func (m SongSelect) Status() byte { return 0xf3 }
func (m SongSelect) Encode(buf []byte) ([]byte, error) {
	if err := check7bit("midi.SongSelect", "song", m.Song); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), m.Song), nil
}

func decodeSongSelect(status byte, data []byte) (Message, error) {
	return SongSelect{Song: data[0]}, nil
}

type TuneRequest struct{}

func (m TuneRequest) Kind() Kind                          { return KindTuneRequest }
func (m TuneRequest) Status() byte                        { return 0xf6 }
func (m TuneRequest) Encode(buf []byte) ([]byte, error)   { return append(buf, m.Status()), nil }
func decodeTuneRequest(status byte, data []byte) (Message, error) {
	return TuneRequest{}, nil
}

// RealTime covers the single-byte system realtime messages: clock
// (0xf8), start (0xfa), continue (0xfb), stop (0xfc), active sensing
// (0xfe) and reset (0xff). 0xf9 and 0xfd are undefined and are not
// matched by Detect.
type RealTime struct {
	StatusByte uint8
}

func (m RealTime) Kind() Kind   { return KindRealTime }
func (m RealTime) Status() byte { return m.StatusByte }
func (m RealTime) Encode(buf []byte) ([]byte, error) {
	if !isRealTime(m.StatusByte) {
		return buf, errs.Newf(errs.BadProperty, "midi.RealTime", "status byte %#x is not a defined realtime message", m.StatusByte)
	}
	return append(buf, m.StatusByte), nil
}

func decodeRealTime(status byte, data []byte) (Message, error) {
	return RealTime{StatusByte: status}, nil
}

// --- System Exclusive (multi-fragment) ---

// SystemExclusive represents one fragment of a (possibly multi-packet)
// SysEx message. Fragment 0 carries the 0xF0 status and the leading
// manufacturer-ID bytes in Data; later fragments carry only payload
// bytes and have no status byte of their own on the wire. Final is set
// once the fragment's last byte is the 0xF7 terminator.
//
// Owned signals whether this fragment's Data buffer has been copied
// out of the codec's receive buffer (true) or still aliases it (false):
// a decoded fragment that is going to outlive the packet buffer it was
// parsed from must be copied exactly once, and Owned is how callers
// avoid copying (or freeing) it twice.
type SystemExclusive struct {
	Fragment int
	Data     []byte
	Final    bool
	Owned    bool
}

func (m SystemExclusive) Kind() Kind { return KindSystemExclusive }

// IsFinal lets package rtpmidi check completion without importing this
// concrete type.
func (m SystemExclusive) IsFinal() bool { return m.Final }

func (m SystemExclusive) Status() byte {
	if m.Fragment == 0 {
		return 0xf0
	}
	return 0x00
}

// Encode appends this fragment's wire bytes: 0xF0 + Data for fragment
// 0, Data alone for continuations, with a trailing 0xF7 on the final
// fragment either way.
func (m SystemExclusive) Encode(buf []byte) ([]byte, error) {
	if m.Fragment == 0 {
		buf = append(buf, 0xf0)
	}
	buf = append(buf, m.Data...)
	if m.Final {
		buf = append(buf, 0xf7)
	}
	return buf, nil
}

// Own returns a copy of m whose Data buffer no longer aliases the
// caller's buffer, with Owned set.
func (m SystemExclusive) Own() SystemExclusive {
	if m.Owned {
		return m
	}
	data := make([]byte, len(m.Data))
	copy(data, m.Data)
	return SystemExclusive{Fragment: m.Fragment, Data: data, Final: m.Final, Owned: true}
}

// DecodeSysEx parses one SysEx fragment starting at buf[offset].
// fragment is supplied by the caller (the journal/payload layer tracks
// how many fragments of the current SysEx it has already seen): 0
// means buf[offset] is expected to be the leading 0xF0 status byte,
// which is consumed; any other value means this fragment is pure data
// with no status byte of its own. Parsing stops at the first byte with
// bit 7 set, since running status never applies inside a SysEx stream;
// if that byte is 0xF7 the fragment (and the SysEx message) is Final.
func DecodeSysEx(buf []byte, offset int, fragment int) (Message, int, error) {
	start := offset
	if fragment == 0 {
		if offset >= len(buf) || buf[offset] != 0xf0 {
			return nil, 0, errs.Newf(errs.BadCommand, "midi.DecodeSysEx", "expected leading 0xf0 status byte")
		}
		offset++
	}
	dataStart := offset
	for offset < len(buf) && buf[offset]&0x80 == 0 {
		offset++
	}
	final := false
	data := buf[dataStart:offset]
	if offset < len(buf) && buf[offset] == 0xf7 {
		final = true
		offset++
	}
	// Reaching the end of buf without a terminator or another status
	// byte means the SysEx continues in a later packet; that is the
	// ordinary cross-packet fragmentation case, not truncation.
	msg := SystemExclusive{Fragment: fragment, Data: data, Final: final}
	return msg, offset - start, nil
}
