package journal

import (
	"sort"

	"github.com/mgsx-dev/midikit/midi"
)

// Reconstruct synthesizes the MIDI commands a decoded journal implies,
// in canonical order: the system chapter first, then each channel in
// ascending order, each channel's chapters in P, C, M, W, N, E, T, A
// order. The caller passes these to the receive hook ahead of the
// carrying packet's own commands.
//
// Every chapter present in j is emitted unconditionally: j was decoded
// from a journal the sender already restricted to entries past its own
// checkpoint (the last acknowledged sequence), so presence alone means
// "new to this receiver" — Decode does not reconstruct per-entry
// update-seqnums (see channel.go's decode), only chapter presence.
func Reconstruct(j *Journal) []midi.Message {
	var out []midi.Message
	out = append(out, reconstructSystem(&j.System)...)
	for ch := uint8(0); ch < 16; ch++ {
		out = append(out, reconstructChannel(ch, &j.Channels[ch])...)
	}
	return out
}

func reconstructSystem(s *SystemJournal) []midi.Message {
	var out []midi.Message
	if s.MTC.Set {
		out = append(out, midi.TimeCodeQuarterFrame{MessageType: s.MTC.MessageType, Values: s.MTC.Values})
	}
	if s.SongPos.Set {
		out = append(out, midi.SongPosition{Position: s.SongPos.Position})
	}
	if s.SongSel.Set {
		out = append(out, midi.SongSelect{Song: s.SongSel.Song})
	}
	if s.SimpleSet {
		out = append(out, midi.RealTime{StatusByte: s.Simple})
	}
	if s.SysEx.Set {
		out = append(out, midi.SystemExclusive{Fragment: 0, Data: s.SysEx.Data, Final: false})
	}
	return out
}

func reconstructChannel(ch uint8, c *ChannelJournal) []midi.Message {
	var out []midi.Message

	if c.Program.Set {
		if c.Program.BankMSB != 0 {
			bank, _ := midi.NewControlChange(ch, ctrlBankMSB, c.Program.BankMSB)
			out = append(out, bank)
		}
		if c.Program.BankLSB != 0 {
			bank, _ := midi.NewControlChange(ch, ctrlBankLSB, c.Program.BankLSB)
			out = append(out, bank)
		}
		out = append(out, midi.ProgramChange{Channel: ch, Program: c.Program.Program})
	}

	if len(c.Control) > 0 {
		keys := make([]uint8, 0, len(c.Control))
		for k := range c.Control {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			cc, _ := midi.NewControlChange(ch, k, c.Control[k].Value)
			out = append(out, cc)
		}
	}

	if c.Parameter.Set {
		msbCtrl, lsbCtrl := uint8(ctrlRPNMSB), uint8(ctrlRPNLSB)
		if c.Parameter.NRPN {
			msbCtrl, lsbCtrl = ctrlNRPNMSB, ctrlNRPNLSB
		}
		msb, _ := midi.NewControlChange(ch, msbCtrl, uint8(c.Parameter.Number>>7))
		lsb, _ := midi.NewControlChange(ch, lsbCtrl, uint8(c.Parameter.Number&0x7f))
		dataMSB, _ := midi.NewControlChange(ch, ctrlDataEntryMSB, c.Parameter.DataMSB)
		dataLSB, _ := midi.NewControlChange(ch, ctrlDataEntryLSB, c.Parameter.DataLSB)
		out = append(out, msb, lsb, dataMSB, dataLSB)
	}

	if c.Wheel.Set {
		out = append(out, midi.PitchWheel{Channel: ch, Value: c.Wheel.Value})
	}

	if len(c.NotesOn) > 0 {
		keys := make([]uint8, 0, len(c.NotesOn))
		for k := range c.NotesOn {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			on, _ := midi.NewNoteOn(ch, k, c.NotesOn[k].Velocity)
			out = append(out, on)
		}
	}

	for _, e := range c.OffLog {
		off, _ := midi.NewNoteOff(ch, e.Key, 0)
		out = append(out, off)
	}

	if c.Pressure.Set {
		out = append(out, midi.ChannelPressure{Channel: ch, Pressure: c.Pressure.Pressure})
	}

	if len(c.PolyAfter) > 0 {
		keys := make([]uint8, 0, len(c.PolyAfter))
		for k := range c.PolyAfter {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, k := range keys {
			out = append(out, midi.PolyKeyPressure{Channel: ch, Key: k, Pressure: c.PolyAfter[k].Pressure})
		}
	}

	return out
}
