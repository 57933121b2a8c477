package journal

import (
	"sort"

	"github.com/mgsx-dev/midikit/errs"
	"github.com/mgsx-dev/midikit/midi"
	"github.com/mgsx-dev/midikit/vlq"
)

const maxOffLog = 16 // recently released keys retained per channel's extended high-key log

type programChapter struct {
	Program, BankMSB, BankLSB uint8
	Seq                       uint16
	Set                       bool
}

type controlEntry struct {
	Value   uint8
	Pending bool
	Seq     uint16
}

type parameterChapter struct {
	Number       uint16 // 14-bit RPN/NRPN number
	NRPN         bool
	DataMSB      uint8
	DataLSB      uint8
	PendingCount int32 // signed increment/decrement count from data entry +1/-1 controllers
	Seq          uint16
	Set          bool
}

type wheelChapter struct {
	Value uint16
	Seq   uint16
	Set   bool
}

type noteOnEntry struct {
	Velocity uint8
	Seq      uint16
}

type noteOffEntry struct {
	Key uint8
	Seq uint16
}

type aftertouchChapter struct {
	Pressure uint8
	Seq      uint16
	Set      bool
}

type polyEntry struct {
	Pressure uint8
	Seq      uint16
}

// ChannelJournal is one MIDI channel's set of recovery-journal chapters.
type ChannelJournal struct {
	Program   programChapter
	Control   map[uint8]*controlEntry
	Parameter parameterChapter
	Wheel     wheelChapter
	NotesOn   map[uint8]*noteOnEntry
	OffLog    []noteOffEntry
	Pressure  aftertouchChapter
	PolyAfter map[uint8]*polyEntry
}

func (c *ChannelJournal) applyProgram(seq uint16, m midi.ProgramChange) {
	c.Program.Program = m.Program
	c.Program.Seq = seq
	c.Program.Set = true
}

// rpn/nrpn data-entry controller numbers, per the MIDI 1.0 spec.
const (
	ctrlBankMSB        = 0
	ctrlBankLSB        = 32
	ctrlDataEntryMSB   = 6
	ctrlDataEntryLSB   = 38
	ctrlNRPNLSB        = 98
	ctrlNRPNMSB        = 99
	ctrlRPNLSB         = 100
	ctrlRPNMSB         = 101
	ctrlDataIncrement  = 96
	ctrlDataDecrement  = 97
)

func (c *ChannelJournal) applyControl(seq uint16, m midi.ControlChange) {
	switch m.Controller {
	case ctrlBankMSB:
		c.Program.BankMSB = m.Value
		c.Program.Seq = seq
		c.Program.Set = true
	case ctrlBankLSB:
		c.Program.BankLSB = m.Value
		c.Program.Seq = seq
		c.Program.Set = true
	case ctrlRPNMSB, ctrlNRPNMSB:
		c.Parameter.Number = uint16(m.Value)<<7 | c.Parameter.Number&0x7f
		c.Parameter.NRPN = m.Controller == ctrlNRPNMSB
		c.Parameter.Seq = seq
		c.Parameter.Set = true
	case ctrlRPNLSB, ctrlNRPNLSB:
		c.Parameter.Number = c.Parameter.Number&(0x7f<<7) | uint16(m.Value)
		c.Parameter.NRPN = m.Controller == ctrlNRPNLSB
		c.Parameter.Seq = seq
		c.Parameter.Set = true
	case ctrlDataEntryMSB:
		c.Parameter.DataMSB = m.Value
		c.Parameter.Seq = seq
		c.Parameter.Set = true
	case ctrlDataEntryLSB:
		c.Parameter.DataLSB = m.Value
		c.Parameter.Seq = seq
		c.Parameter.Set = true
	case ctrlDataIncrement:
		c.Parameter.PendingCount++
		c.Parameter.Seq = seq
		c.Parameter.Set = true
	case ctrlDataDecrement:
		c.Parameter.PendingCount--
		c.Parameter.Seq = seq
		c.Parameter.Set = true
	default:
		if c.Control == nil {
			c.Control = make(map[uint8]*controlEntry)
		}
		// Every other controller gets an entry of its own. Controllers
		// 1-31 are stored with the pending bit set; an LSB on
		// controllers 33-63 is stored as a separate entry and neither
		// merges into its MSB's entry nor clears that pending bit.
		pending := m.Controller < 32 && m.Controller != ctrlBankMSB
		c.Control[m.Controller] = &controlEntry{Value: m.Value, Pending: pending, Seq: seq}
	}
}

func (c *ChannelJournal) applyWheel(seq uint16, m midi.PitchWheel) {
	c.Wheel = wheelChapter{Value: m.Value, Seq: seq, Set: true}
}

func (c *ChannelJournal) applyNoteOn(seq uint16, m midi.NoteOn) {
	if m.IsNoteOff() {
		c.applyNoteOff(seq, m.Key)
		return
	}
	if c.NotesOn == nil {
		c.NotesOn = make(map[uint8]*noteOnEntry)
	}
	c.NotesOn[m.Key] = &noteOnEntry{Velocity: m.Velocity, Seq: seq}
}

func (c *ChannelJournal) applyNoteOff(seq uint16, key uint8) {
	delete(c.NotesOn, key)
	c.OffLog = append(c.OffLog, noteOffEntry{Key: key, Seq: seq})
	if len(c.OffLog) > maxOffLog {
		c.OffLog = c.OffLog[len(c.OffLog)-maxOffLog:]
	}
}

func (c *ChannelJournal) applyChannelPressure(seq uint16, m midi.ChannelPressure) {
	c.Pressure = aftertouchChapter{Pressure: m.Pressure, Seq: seq, Set: true}
}

func (c *ChannelJournal) applyPolyPressure(seq uint16, m midi.PolyKeyPressure) {
	if c.PolyAfter == nil {
		c.PolyAfter = make(map[uint8]*polyEntry)
	}
	c.PolyAfter[m.Key] = &polyEntry{Pressure: m.Pressure, Seq: seq}
}

func (c *ChannelJournal) truncate(ack uint16) {
	if !seqAfter(c.Program.Seq, ack) {
		c.Program = programChapter{}
	}
	for k, e := range c.Control {
		if !seqAfter(e.Seq, ack) {
			delete(c.Control, k)
		}
	}
	if !seqAfter(c.Parameter.Seq, ack) {
		c.Parameter = parameterChapter{}
	}
	if !seqAfter(c.Wheel.Seq, ack) {
		c.Wheel = wheelChapter{}
	}
	for k, e := range c.NotesOn {
		if !seqAfter(e.Seq, ack) {
			delete(c.NotesOn, k)
		}
	}
	kept := c.OffLog[:0]
	for _, e := range c.OffLog {
		if seqAfter(e.Seq, ack) {
			kept = append(kept, e)
		}
	}
	c.OffLog = kept
	if !seqAfter(c.Pressure.Seq, ack) {
		c.Pressure = aftertouchChapter{}
	}
	for k, e := range c.PolyAfter {
		if !seqAfter(e.Seq, ack) {
			delete(c.PolyAfter, k)
		}
	}
}

func (c *ChannelJournal) hasContent(checkpoint uint16) bool {
	if c.Program.Set && seqAfter(c.Program.Seq, checkpoint) {
		return true
	}
	for _, e := range c.Control {
		if seqAfter(e.Seq, checkpoint) {
			return true
		}
	}
	if c.Parameter.Set && seqAfter(c.Parameter.Seq, checkpoint) {
		return true
	}
	if c.Wheel.Set && seqAfter(c.Wheel.Seq, checkpoint) {
		return true
	}
	for _, e := range c.NotesOn {
		if seqAfter(e.Seq, checkpoint) {
			return true
		}
	}
	for _, e := range c.OffLog {
		if seqAfter(e.Seq, checkpoint) {
			return true
		}
	}
	if c.Pressure.Set && seqAfter(c.Pressure.Seq, checkpoint) {
		return true
	}
	for _, e := range c.PolyAfter {
		if seqAfter(e.Seq, checkpoint) {
			return true
		}
	}
	return false
}

// encode renders this channel's present chapters. The returned bytes
// begin with a one-byte chapter bitmap (the channel number is not
// written; the journal's channel-presence bitmap carries it) followed
// by each present chapter's body, in P,C,M,W,N,E,T,A order.
func (c *ChannelJournal) encode(checkpoint uint16) ([]byte, bool, error) {
	if !c.hasContent(checkpoint) {
		return nil, false, nil
	}

	var bitmap uint8
	var body []byte

	if c.Program.Set && seqAfter(c.Program.Seq, checkpoint) {
		bitmap |= chapProgram
		body = append(body, c.Program.Program, c.Program.BankMSB, c.Program.BankLSB)
	}

	var liveControllers []uint8
	for k, e := range c.Control {
		if seqAfter(e.Seq, checkpoint) {
			liveControllers = append(liveControllers, k)
		}
	}
	if len(liveControllers) > 0 {
		bitmap |= chapControl
		sort.Slice(liveControllers, func(i, j int) bool { return liveControllers[i] < liveControllers[j] })
		body = append(body, uint8(len(liveControllers)))
		for _, k := range liveControllers {
			e := c.Control[k]
			flags := uint8(0)
			if e.Pending {
				flags = 1
			}
			body = append(body, k, e.Value, flags)
		}
	}

	if c.Parameter.Set && seqAfter(c.Parameter.Seq, checkpoint) {
		bitmap |= chapParameter
		flags := uint8(0)
		if c.Parameter.NRPN {
			flags = 1
		}
		body = append(body, flags, byte(c.Parameter.Number>>7), byte(c.Parameter.Number&0x7f), c.Parameter.DataMSB, c.Parameter.DataLSB)
		sign := byte(0)
		mag := uint32(c.Parameter.PendingCount)
		if c.Parameter.PendingCount < 0 {
			sign = 1
			mag = uint32(-c.Parameter.PendingCount)
		}
		enc, err := vlq.Encode(mag)
		if err != nil {
			return nil, false, err
		}
		body = append(body, sign, byte(len(enc)))
		body = append(body, enc...)
	}

	if c.Wheel.Set && seqAfter(c.Wheel.Seq, checkpoint) {
		bitmap |= chapWheel
		body = append(body, byte(c.Wheel.Value>>7), byte(c.Wheel.Value&0x7f))
	}

	var liveNotes []uint8
	for k, e := range c.NotesOn {
		if seqAfter(e.Seq, checkpoint) {
			liveNotes = append(liveNotes, k)
		}
	}
	if len(liveNotes) > 0 {
		bitmap |= chapNote
		sort.Slice(liveNotes, func(i, j int) bool { return liveNotes[i] < liveNotes[j] })
		body = append(body, uint8(len(liveNotes)))
		for _, k := range liveNotes {
			e := c.NotesOn[k]
			body = append(body, k, e.Velocity)
		}
	}

	var liveOff []noteOffEntry
	for _, e := range c.OffLog {
		if seqAfter(e.Seq, checkpoint) {
			liveOff = append(liveOff, e)
		}
	}
	if len(liveOff) > 0 {
		bitmap |= chapNoteExtra
		body = append(body, uint8(len(liveOff)))
		for _, e := range liveOff {
			body = append(body, e.Key)
		}
	}

	if c.Pressure.Set && seqAfter(c.Pressure.Seq, checkpoint) {
		bitmap |= chapAftertouch
		body = append(body, c.Pressure.Pressure)
	}

	var livePoly []uint8
	for k, e := range c.PolyAfter {
		if seqAfter(e.Seq, checkpoint) {
			livePoly = append(livePoly, k)
		}
	}
	if len(livePoly) > 0 {
		bitmap |= chapPolyAfter
		sort.Slice(livePoly, func(i, j int) bool { return livePoly[i] < livePoly[j] })
		body = append(body, uint8(len(livePoly)))
		for _, k := range livePoly {
			e := c.PolyAfter[k]
			body = append(body, k, e.Pressure)
		}
	}

	out := append([]byte{bitmap}, body...)
	return out, true, nil
}

// decode parses one channel's chapter bitmap and bodies, returning the
// number of bytes consumed. Seq fields on decoded entries are left
// zero: the journal decoder only needs the values to synthesize
// commands for the current reconstruction, not a rebuilt update
// history.
func (c *ChannelJournal) decode(buf []byte) (int, error) {
	if len(buf) < 1 {
		return 0, errs.New(errs.Decode, "journal.ChannelJournal.decode", nil)
	}
	bitmap := buf[0]
	offset := 1

	need := func(n int) error {
		if offset+n > len(buf) {
			return errs.New(errs.Decode, "journal.ChannelJournal.decode", nil)
		}
		return nil
	}

	if bitmap&chapProgram != 0 {
		if err := need(3); err != nil {
			return 0, err
		}
		c.Program = programChapter{Program: buf[offset], BankMSB: buf[offset+1], BankLSB: buf[offset+2], Set: true}
		offset += 3
	}
	if bitmap&chapControl != 0 {
		if err := need(1); err != nil {
			return 0, err
		}
		count := int(buf[offset])
		offset++
		c.Control = make(map[uint8]*controlEntry, count)
		for i := 0; i < count; i++ {
			if err := need(3); err != nil {
				return 0, err
			}
			c.Control[buf[offset]] = &controlEntry{Value: buf[offset+1], Pending: buf[offset+2] != 0}
			offset += 3
		}
	}
	if bitmap&chapParameter != 0 {
		if err := need(5); err != nil {
			return 0, err
		}
		flags := buf[offset]
		number := uint16(buf[offset+1])<<7 | uint16(buf[offset+2])
		dataMSB, dataLSB := buf[offset+3], buf[offset+4]
		offset += 5
		if err := need(2); err != nil {
			return 0, err
		}
		sign := buf[offset]
		n := int(buf[offset+1])
		offset += 2
		if err := need(n); err != nil {
			return 0, err
		}
		mag, _, err := vlq.Decode(buf[offset : offset+n])
		if err != nil {
			return 0, err
		}
		offset += n
		pending := int32(mag)
		if sign != 0 {
			pending = -pending
		}
		c.Parameter = parameterChapter{Number: number, NRPN: flags&1 != 0, DataMSB: dataMSB, DataLSB: dataLSB, PendingCount: pending, Set: true}
	}
	if bitmap&chapWheel != 0 {
		if err := need(2); err != nil {
			return 0, err
		}
		c.Wheel = wheelChapter{Value: uint16(buf[offset])<<7 | uint16(buf[offset+1]), Set: true}
		offset += 2
	}
	if bitmap&chapNote != 0 {
		if err := need(1); err != nil {
			return 0, err
		}
		count := int(buf[offset])
		offset++
		c.NotesOn = make(map[uint8]*noteOnEntry, count)
		for i := 0; i < count; i++ {
			if err := need(2); err != nil {
				return 0, err
			}
			c.NotesOn[buf[offset]] = &noteOnEntry{Velocity: buf[offset+1]}
			offset += 2
		}
	}
	if bitmap&chapNoteExtra != 0 {
		if err := need(1); err != nil {
			return 0, err
		}
		count := int(buf[offset])
		offset++
		c.OffLog = make([]noteOffEntry, 0, count)
		for i := 0; i < count; i++ {
			if err := need(1); err != nil {
				return 0, err
			}
			c.OffLog = append(c.OffLog, noteOffEntry{Key: buf[offset]})
			offset++
		}
	}
	if bitmap&chapAftertouch != 0 {
		if err := need(1); err != nil {
			return 0, err
		}
		c.Pressure = aftertouchChapter{Pressure: buf[offset], Set: true}
		offset++
	}
	if bitmap&chapPolyAfter != 0 {
		if err := need(1); err != nil {
			return 0, err
		}
		count := int(buf[offset])
		offset++
		c.PolyAfter = make(map[uint8]*polyEntry, count)
		for i := 0; i < count; i++ {
			if err := need(2); err != nil {
				return 0, err
			}
			c.PolyAfter[buf[offset]] = &polyEntry{Pressure: buf[offset+1]}
			offset += 2
		}
	}
	return offset, nil
}
