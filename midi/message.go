// Package midi implements the message wire codec: encoding and
// decoding individual MIDI messages to and from a byte buffer.
//
// Rather than a runtime map[byte]info lookup table describing a closed
// set of message shapes, this package uses a tagged variant: one
// concrete Go type per message kind, a Message interface those types
// all satisfy, and a Detect function that performs the "first form
// whose test accepts the byte wins" linear probe by pattern-matching
// the status byte's high nibble instead of indexing a table.
package midi

import (
	"github.com/mgsx-dev/midikit/errs"
)

// Kind identifies one of the message forms carried over the wire.
type Kind int

const (
	KindNoteOff Kind = iota
	KindNoteOn
	KindPolyKeyPressure
	KindControlChange
	KindProgramChange
	KindChannelPressure
	KindPitchWheel
	KindSystemExclusive
	KindTimeCodeQuarterFrame
	KindSongPosition
	KindSongSelect
	KindTuneRequest
	KindRealTime
)

func (k Kind) String() string {
	switch k {
	case KindNoteOff:
		return "note_off"
	case KindNoteOn:
		return "note_on"
	case KindPolyKeyPressure:
		return "poly_key_pressure"
	case KindControlChange:
		return "control_change"
	case KindProgramChange:
		return "program_change"
	case KindChannelPressure:
		return "channel_pressure"
	case KindPitchWheel:
		return "pitch_wheel"
	case KindSystemExclusive:
		return "system_exclusive"
	case KindTimeCodeQuarterFrame:
		return "time_code_quarter_frame"
	case KindSongPosition:
		return "song_position"
	case KindSongSelect:
		return "song_select"
	case KindTuneRequest:
		return "tune_request"
	case KindRealTime:
		return "real_time"
	default:
		return "unknown"
	}
}

// Message is the tagged variant over the thirteen wire forms this
// package recognizes. Status returns the wire status byte (the fixed
// value for system messages, or the form's base nibble combined with
// the channel, for channel messages).
type Message interface {
	Kind() Kind
	// Status returns the byte that would open this message on the
	// wire (before any running-status elision).
	Status() byte
	// Encode appends the message's wire bytes (status byte included)
	// to buf and returns the extended slice.
	Encode(buf []byte) ([]byte, error)
}

// form is one entry of the ordered probe table used by Detect.
type form struct {
	kind Kind
	test func(status byte) bool
	// dataLength returns the number of data bytes that follow the
	// status byte, or -1 if the form's length cannot be known from
	// the status byte alone (system exclusive).
	dataLength func(status byte) int
	decode     func(status byte, data []byte) (Message, error)
}

// forms lists the thirteen recognized message shapes in probe order;
// Detect and DataLength stop at the first matching test.
var forms = []form{
	{KindNoteOff, func(s byte) bool { return s&0xf0 == 0x80 }, constLen(2), decodeNoteOff},
	{KindNoteOn, func(s byte) bool { return s&0xf0 == 0x90 }, constLen(2), decodeNoteOn},
	{KindPolyKeyPressure, func(s byte) bool { return s&0xf0 == 0xa0 }, constLen(2), decodePolyKeyPressure},
	{KindControlChange, func(s byte) bool { return s&0xf0 == 0xb0 }, constLen(2), decodeControlChange},
	{KindProgramChange, func(s byte) bool { return s&0xf0 == 0xc0 }, constLen(1), decodeProgramChange},
	{KindChannelPressure, func(s byte) bool { return s&0xf0 == 0xd0 }, constLen(1), decodeChannelPressure},
	{KindPitchWheel, func(s byte) bool { return s&0xf0 == 0xe0 }, constLen(2), decodePitchWheel},
	{KindSystemExclusive, func(s byte) bool { return s == 0xf0 }, func(byte) int { return -1 }, nil},
	{KindTimeCodeQuarterFrame, func(s byte) bool { return s == 0xf1 }, constLen(1), decodeTimeCode},
	{KindSongPosition, func(s byte) bool { return s == 0xf2 }, constLen(2), decodeSongPosition},
	{KindSongSelect, func(s byte) bool { return s == 0xf3 }, constLen(1), decodeSongSelect},
	{KindTuneRequest, func(s byte) bool { return s == 0xf6 }, constLen(0), decodeTuneRequest},
	{KindRealTime, isRealTime, constLen(0), decodeRealTime},
}

func constLen(n int) func(byte) int { return func(byte) int { return n } }

func isRealTime(s byte) bool {
	switch s {
	case 0xf8, 0xfa, 0xfb, 0xfc, 0xfe, 0xff:
		return true
	default:
		return false
	}
}

// Detect performs the linear probe over status, returning the first
// matching form's Kind. ok is false for data bytes (bit 7 clear)
// and for the handful of undefined system common bytes (0xf4, 0xf5,
// 0xf7 outside of a SysEx, 0xf9, 0xfd).
func Detect(status byte) (Kind, bool) {
	for _, f := range forms {
		if f.test(status) {
			return f.kind, true
		}
	}
	return 0, false
}

// DataLength reports how many data bytes follow status, or -1 if the
// form's length cannot be determined from the status byte alone
// (system exclusive, whose length runs to the terminating 0xF7).
func DataLength(status byte) (int, error) {
	for _, f := range forms {
		if f.test(status) {
			return f.dataLength(status), nil
		}
	}
	return 0, errs.Newf(errs.BadCommand, "midi.DataLength", "status byte %#x matches no known form", status)
}

// DecodeWithStatus decodes a message whose status byte is already known
// (either explicit on the wire or carried forward by running status)
// and whose data bytes are exactly the form's DataLength. System
// exclusive messages are not handled here: see DecodeSysEx.
func DecodeWithStatus(status byte, data []byte) (Message, error) {
	for _, f := range forms {
		if !f.test(status) {
			continue
		}
		if f.kind == KindSystemExclusive {
			return nil, errs.Newf(errs.BadCommand, "midi.DecodeWithStatus", "use DecodeSysEx for system exclusive fragments")
		}
		want := f.dataLength(status)
		if len(data) != want {
			return nil, errs.Newf(errs.Truncated, "midi.DecodeWithStatus", "%s wants %d data byte(s), got %d", f.kind, want, len(data))
		}
		return f.decode(status, data)
	}
	return nil, errs.Newf(errs.BadCommand, "midi.DecodeWithStatus", "status byte %#x matches no known form", status)
}

// Decode parses a complete message (status byte plus its data) from the
// front of buf and returns it along with the number of bytes consumed.
// System exclusive fragments are decoded via DecodeSysEx instead, since
// their length is not known from the status byte alone.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) == 0 {
		return nil, 0, errs.New(errs.Truncated, "midi.Decode", nil)
	}
	status := buf[0]
	kind, ok := Detect(status)
	if !ok {
		return nil, 0, errs.Newf(errs.BadCommand, "midi.Decode", "status byte %#x matches no known form", status)
	}
	if kind == KindSystemExclusive {
		return DecodeSysEx(buf, 0, 0)
	}
	n, err := DataLength(status)
	if err != nil {
		return nil, 0, err
	}
	if len(buf) < 1+n {
		return nil, 0, errs.Newf(errs.Truncated, "midi.Decode", "need %d byte(s), have %d", 1+n, len(buf))
	}
	m, err := DecodeWithStatus(status, buf[1:1+n])
	if err != nil {
		return nil, 0, err
	}
	return m, 1 + n, nil
}

func checkChannel(op string, ch uint8) error {
	if ch > 15 {
		return errs.Newf(errs.BadProperty, op, "channel %d does not fit 4 bits", ch)
	}
	return nil
}

func check7bit(op, field string, v uint8) error {
	if v > 0x7f {
		return errs.Newf(errs.BadProperty, op, "%s value %d does not fit 7 bits", field, v)
	}
	return nil
}

func check14bit(op, field string, v uint16) error {
	if v > 0x3fff {
		return errs.Newf(errs.BadProperty, op, "%s value %d does not fit 14 bits", field, v)
	}
	return nil
}

// --- Note Off / Note On / Polyphonic Key Pressure ---

type NoteOff struct {
	Channel  uint8
	Key      uint8
	Velocity uint8
}

func NewNoteOff(channel, key, velocity uint8) (NoteOff, error) {
	m := NoteOff{Channel: channel, Key: key, Velocity: velocity}
	if err := m.validate(); err != nil {
		return NoteOff{}, err
	}
	return m, nil
}

func (m NoteOff) validate() error {
	if err := checkChannel("midi.NoteOff", m.Channel); err != nil {
		return err
	}
	if err := check7bit("midi.NoteOff", "key", m.Key); err != nil {
		return err
	}
	return check7bit("midi.NoteOff", "velocity", m.Velocity)
}

func (m NoteOff) Kind() Kind    { return KindNoteOff }
func (m NoteOff) Status() byte  { return 0x80 | m.Channel }
func (m NoteOff) Encode(buf []byte) ([]byte, error) {
	if err := m.validate(); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), m.Key, m.Velocity), nil
}

func decodeNoteOff(status byte, data []byte) (Message, error) {
	return NoteOff{Channel: status & 0x0f, Key: data[0], Velocity: data[1]}, nil
}

type NoteOn struct {
	Channel  uint8
	Key      uint8
	Velocity uint8
}

func NewNoteOn(channel, key, velocity uint8) (NoteOn, error) {
	m := NoteOn{Channel: channel, Key: key, Velocity: velocity}
	if err := m.validate(); err != nil {
		return NoteOn{}, err
	}
	return m, nil
}

func (m NoteOn) validate() error {
	if err := checkChannel("midi.NoteOn", m.Channel); err != nil {
		return err
	}
	if err := check7bit("midi.NoteOn", "key", m.Key); err != nil {
		return err
	}
	return check7bit("midi.NoteOn", "velocity", m.Velocity)
}

func (m NoteOn) Kind() Kind   { return KindNoteOn }
func (m NoteOn) Status() byte { return 0x90 | m.Channel }
func (m NoteOn) Encode(buf []byte) ([]byte, error) {
	if err := m.validate(); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), m.Key, m.Velocity), nil
}

// IsNoteOff reports whether this NoteOn is semantically a note-off, the
// common MIDI convention of a note-on with velocity 0, used by the
// journal's note chapter to decide whether a key is turning on or off.
func (m NoteOn) IsNoteOff() bool { return m.Velocity == 0 }

func decodeNoteOn(status byte, data []byte) (Message, error) {
	return NoteOn{Channel: status & 0x0f, Key: data[0], Velocity: data[1]}, nil
}

type PolyKeyPressure struct {
	Channel  uint8
	Key      uint8
	Pressure uint8
}

func (m PolyKeyPressure) Kind() Kind   { return KindPolyKeyPressure }
func (m PolyKeyPressure) Status() byte { return 0xa0 | m.Channel }
func (m PolyKeyPressure) Encode(buf []byte) ([]byte, error) {
	if err := checkChannel("midi.PolyKeyPressure", m.Channel); err != nil {
		return buf, err
	}
	if err := check7bit("midi.PolyKeyPressure", "key", m.Key); err != nil {
		return buf, err
	}
	if err := check7bit("midi.PolyKeyPressure", "pressure", m.Pressure); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), m.Key, m.Pressure), nil
}

func decodePolyKeyPressure(status byte, data []byte) (Message, error) {
	return PolyKeyPressure{Channel: status & 0x0f, Key: data[0], Pressure: data[1]}, nil
}

// --- Control Change / Program Change / Channel Pressure / Pitch Wheel ---

type ControlChange struct {
	Channel    uint8
	Controller uint8
	Value      uint8
}

func NewControlChange(channel, controller, value uint8) (ControlChange, error) {
	m := ControlChange{Channel: channel, Controller: controller, Value: value}
	if err := checkChannel("midi.ControlChange", m.Channel); err != nil {
		return ControlChange{}, err
	}
	if err := check7bit("midi.ControlChange", "controller", m.Controller); err != nil {
		return ControlChange{}, err
	}
	if err := check7bit("midi.ControlChange", "value", m.Value); err != nil {
		return ControlChange{}, err
	}
	return m, nil
}

func (m ControlChange) Kind() Kind   { return KindControlChange }
func (m ControlChange) Status() byte { return 0xb0 | m.Channel }
func (m ControlChange) Encode(buf []byte) ([]byte, error) {
	if _, err := NewControlChange(m.Channel, m.Controller, m.Value); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), m.Controller, m.Value), nil
}

func decodeControlChange(status byte, data []byte) (Message, error) {
	return ControlChange{Channel: status & 0x0f, Controller: data[0], Value: data[1]}, nil
}

type ProgramChange struct {
	Channel uint8
	Program uint8
}

func (m ProgramChange) Kind() Kind   { return KindProgramChange }
func (m ProgramChange) Status() byte { return 0xc0 | m.Channel }
func (m ProgramChange) Encode(buf []byte) ([]byte, error) {
	if err := checkChannel("midi.ProgramChange", m.Channel); err != nil {
		return buf, err
	}
	if err := check7bit("midi.ProgramChange", "program", m.Program); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), m.Program), nil
}

func decodeProgramChange(status byte, data []byte) (Message, error) {
	return ProgramChange{Channel: status & 0x0f, Program: data[0]}, nil
}

type ChannelPressure struct {
	Channel  uint8
	Pressure uint8
}

func (m ChannelPressure) Kind() Kind   { return KindChannelPressure }
func (m ChannelPressure) Status() byte { return 0xd0 | m.Channel }
func (m ChannelPressure) Encode(buf []byte) ([]byte, error) {
	if err := checkChannel("midi.ChannelPressure", m.Channel); err != nil {
		return buf, err
	}
	if err := check7bit("midi.ChannelPressure", "pressure", m.Pressure); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), m.Pressure), nil
}

func decodeChannelPressure(status byte, data []byte) (Message, error) {
	return ChannelPressure{Channel: status & 0x0f, Pressure: data[0]}, nil
}

type PitchWheel struct {
	Channel uint8
	// Value is the 14-bit pitch-wheel position, 0x2000 is centered.
	Value uint16
}

func (m PitchWheel) Kind() Kind   { return KindPitchWheel }
func (m PitchWheel) Status() byte { return 0xe0 | m.Channel }
func (m PitchWheel) Encode(buf []byte) ([]byte, error) {
	if err := checkChannel("midi.PitchWheel", m.Channel); err != nil {
		return buf, err
	}
	if err := check14bit("midi.PitchWheel", "value", m.Value); err != nil {
		return buf, err
	}
	return append(buf, m.Status(), byte(m.Value&0x7f), byte((m.Value>>7)&0x7f)), nil
}

func decodePitchWheel(status byte, data []byte) (Message, error) {
	v := uint16(data[0]&0x7f) | uint16(data[1]&0x7f)<<7
	return PitchWheel{Channel: status & 0x0f, Value: v}, nil
}
