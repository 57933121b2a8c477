// Package rtpmidi implements the RTP-MIDI payload codec: the MIDI
// command section (flag header, delta-time chain, running status)
// that rides inside an RTP packet's payload, alongside the journal
// section that package journal encodes and decodes.
//
// MIDI command framing lives in its own layer so RTP framing (package
// rtp) stays ignorant of MIDI semantics entirely.
//
// Bit layout follows RFC 6295's header bit assignment (B=0x80, J=0x40,
// Z=0x20, P=0x10).
package rtpmidi

import (
	"github.com/mgsx-dev/midikit/errs"
	"github.com/mgsx-dev/midikit/midi"
	"github.com/mgsx-dev/midikit/vlq"
)

const (
	bigHeaderBit = 0x80
	journalBit   = 0x40
	zeroDeltaBit = 0x20
	phantomBit   = 0x10
	lenMask4     = 0x0f
	lenMask12    = 0x0fff
)

// Command is one entry of the MIDI command section: a delta time (in
// RTP timestamp units) and the decoded message.
type Command struct {
	DeltaTime uint32
	Message   midi.Message
}

// Section is the decoded payload of one RTP-MIDI packet.
type Section struct {
	Commands []Command
	// Journal is the opaque journal-section bytes, if J was set; it is
	// handed to package journal for decoding, not interpreted here.
	Journal []byte
	// SysExOpen reports that the section ended inside an unterminated
	// SysEx message. The caller passes 0xf0 as carriedStatus on the
	// next packet from the same peer so that, when that packet has its
	// P flag set, its leading data bytes are taken as a continuation
	// fragment rather than running status.
	SysExOpen bool
}

// Encode renders commands (and, if non-empty, a pre-encoded journal
// section) as an RTP-MIDI payload. Every command's status byte is
// written explicitly — this module does not compress repeats into
// running status on the way out; Decode still honors running status on
// the way in, for interoperability with peers that do compress. It
// never sets the P flag: this module carries no cross-packet running
// status on encode.
func Encode(commands []Command, journal []byte) ([]byte, error) {
	header := byte(0)
	if len(journal) > 0 {
		header |= journalBit
	}

	if len(commands) == 0 {
		return append([]byte{header}, journal...), nil
	}

	var list []byte
	for i, c := range commands {
		if i > 0 || c.DeltaTime != 0 {
			enc, err := vlq.Encode(c.DeltaTime)
			if err != nil {
				return nil, err
			}
			list = append(list, enc...)
		}
		wire, err := c.Message.Encode(nil)
		if err != nil {
			return nil, err
		}
		list = append(list, wire...)
	}

	if len(list) > lenMask12 {
		return nil, errs.Newf(errs.Truncated, "rtpmidi.Encode", "midi section length %d exceeds 12-bit maximum", len(list))
	}
	if commands[0].DeltaTime != 0 {
		header |= zeroDeltaBit
	}

	var out []byte
	if len(list) >= 16 {
		header |= bigHeaderBit | byte((len(list)>>8)&lenMask4)
		out = append(out, header, byte(len(list)))
	} else {
		header |= byte(len(list)) & lenMask4
		out = append(out, header)
	}
	out = append(out, list...)
	out = append(out, journal...)
	return out, nil
}

// Decode parses the RTP-MIDI payload in buf. carriedStatus is the
// status byte to use if the first command is phantom (P set); pass 0
// if the caller does not track cross-packet running status (this
// module's own Encode never requires callers to).
//
// Decode fails with errs.Truncated if the declared length exceeds the
// buffer, and with errs.BadCommand if, after applying running status,
// a command's status byte matches no known form.
func Decode(buf []byte, carriedStatus byte) (Section, error) {
	if len(buf) == 0 {
		return Section{}, errs.New(errs.Truncated, "rtpmidi.Decode", nil)
	}

	b0 := buf[0]
	bigHeader := b0&bigHeaderBit != 0
	hasJournal := b0&journalBit != 0
	hasDelta := b0&zeroDeltaBit != 0
	phantom := b0&phantomBit != 0

	var length, offset int
	if bigHeader {
		if len(buf) < 2 {
			return Section{}, errs.New(errs.Truncated, "rtpmidi.Decode", nil)
		}
		length = int(b0&lenMask4)<<8 | int(buf[1])
		offset = 2
	} else {
		length = int(b0 & lenMask4)
		offset = 1
	}

	if offset+length > len(buf) {
		return Section{}, errs.Newf(errs.Truncated, "rtpmidi.Decode", "declared length %d exceeds %d remaining bytes", length, len(buf)-offset)
	}
	listEnd := offset + length

	var commands []Command
	status := carriedStatus
	// sysexOpen tracks an unterminated SysEx: either continuing from a
	// prior packet (phantom status carried in as 0xf0) or begun by an
	// earlier command within this same decode call.
	sysexOpen := phantom && carriedStatus == 0xf0
	for i := offset; i < listEnd; {
		var dt uint32
		if len(commands) > 0 || hasDelta {
			v, n, err := vlq.Decode(buf[i:listEnd])
			if err != nil {
				return Section{}, err
			}
			dt = v
			i += n
		}

		first := len(commands) == 0
		if i >= listEnd {
			return Section{}, errs.New(errs.Truncated, "rtpmidi.Decode", nil)
		}

		b := buf[i]
		explicitStatus := b&0x80 != 0
		continuesSysex := sysexOpen && !explicitStatus
		switch {
		case continuesSysex:
			// no status byte to consume; i stays put, sysex decode
			// below reads pure data starting at i.
		case explicitStatus:
			status = b
			i++
		case first && !phantom:
			return Section{}, errs.Newf(errs.BadCommand, "rtpmidi.Decode", "first command has no status byte and P is not set")
		default:
			// ordinary running status: reuse `status` without consuming b.
		}

		if continuesSysex || status == 0xf0 {
			fragment, start := 0, i
			if continuesSysex {
				fragment = 1
			} else {
				// the explicit-status case above consumed the 0xf0;
				// DecodeSysEx expects to consume it itself.
				start = i - 1
			}
			msg, n, err := midi.DecodeSysEx(buf[:listEnd], start, fragment)
			if err != nil {
				return Section{}, err
			}
			i = start + n
			sx := msg.(midiSysExAccessor)
			sysexOpen = !sx.IsFinal()
			commands = append(commands, Command{DeltaTime: dt, Message: msg})
			continue
		}

		dataLen, err := midi.DataLength(status)
		if err != nil {
			return Section{}, errs.Newf(errs.BadCommand, "rtpmidi.Decode", "status byte %#x matches no known form", status)
		}
		if i+dataLen > listEnd {
			return Section{}, errs.Newf(errs.Truncated, "rtpmidi.Decode", "command at offset %d needs %d data byte(s) past section end", i, dataLen)
		}
		msg, err := midi.DecodeWithStatus(status, buf[i:i+dataLen])
		if err != nil {
			return Section{}, err
		}
		i += dataLen
		commands = append(commands, Command{DeltaTime: dt, Message: msg})
	}

	sec := Section{Commands: commands, SysExOpen: sysexOpen}
	if hasJournal {
		sec.Journal = buf[listEnd:]
	}
	return sec, nil
}

// midiSysExAccessor lets this package check a decoded SystemExclusive's
// Final flag without importing its concrete type into a type switch at
// every call site.
type midiSysExAccessor interface {
	IsFinal() bool
}
