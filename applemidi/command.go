// Package applemidi implements the session-control protocol: the six
// wire commands (IN/OK/NO/BY/CK/RS), the per-peer invitation/sync
// state machine, and the signature-based demux between AppleMIDI
// commands and RTP packets sharing the data socket (the 0xffff prefix
// that distinguishes a session-control command from an RTP header).
package applemidi

import (
	"bytes"
	"encoding/binary"

	"github.com/mgsx-dev/midikit/errs"
)

const signature uint16 = 0xffff

// Kind identifies one of the six AppleMIDI wire commands.
type Kind int

const (
	KindInvitation Kind = iota
	KindAccepted
	KindRejected
	KindEndSession
	KindSync
	KindFeedback
)

func (k Kind) String() string {
	switch k {
	case KindInvitation:
		return "IN"
	case KindAccepted:
		return "OK"
	case KindRejected:
		return "NO"
	case KindEndSession:
		return "BY"
	case KindSync:
		return "CK"
	case KindFeedback:
		return "RS"
	default:
		return "??"
	}
}

var tags = map[Kind][2]byte{
	KindInvitation: {'I', 'N'},
	KindAccepted:   {'O', 'K'},
	KindRejected:   {'N', 'O'},
	KindEndSession: {'B', 'Y'},
	KindSync:       {'C', 'K'},
	KindFeedback:   {'R', 'S'},
}

func kindForTag(tag [2]byte) (Kind, bool) {
	for k, t := range tags {
		if t == tag {
			return k, true
		}
	}
	return 0, false
}

// Command is the tagged variant over the six wire commands.
type Command interface {
	Kind() Kind
	Encode() ([]byte, error)
}

// SessionCommand is the shared layout of IN, OK, NO and BY: they
// differ only in which two-letter tag follows the signature. Each gets
// its own Go type below so callers can type-switch on the protocol
// step rather than an extra Kind field.
type SessionCommand struct {
	Version uint32
	Token   uint32
	SSRC    uint32
	Name    string // NUL-terminated on the wire, bounded to 15 bytes
}

func (s SessionCommand) encode(kind Kind) ([]byte, error) {
	if len(s.Name) > 15 {
		return nil, errs.Newf(errs.BadProperty, "applemidi.SessionCommand.encode", "name %q exceeds 15 bytes", s.Name)
	}
	buf := make([]byte, 0, 16+len(s.Name)+1)
	buf = appendUint16(buf, signature)
	tag := tags[kind]
	buf = append(buf, tag[0], tag[1])
	buf = appendUint32(buf, s.Version)
	buf = appendUint32(buf, s.Token)
	buf = appendUint32(buf, s.SSRC)
	buf = append(buf, []byte(s.Name)...)
	buf = append(buf, 0)
	return buf, nil
}

func decodeSessionCommand(buf []byte) (SessionCommand, error) {
	if len(buf) < 16 {
		return SessionCommand{}, errs.New(errs.Truncated, "applemidi.decodeSessionCommand", nil)
	}
	s := SessionCommand{
		Version: binary.BigEndian.Uint32(buf[4:8]),
		Token:   binary.BigEndian.Uint32(buf[8:12]),
		SSRC:    binary.BigEndian.Uint32(buf[12:16]),
	}
	name := buf[16:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	s.Name = string(name)
	return s, nil
}

type Invitation SessionCommand

func (m Invitation) Kind() Kind            { return KindInvitation }
func (m Invitation) Encode() ([]byte, error) { return SessionCommand(m).encode(KindInvitation) }

type Accepted SessionCommand

func (m Accepted) Kind() Kind            { return KindAccepted }
func (m Accepted) Encode() ([]byte, error) { return SessionCommand(m).encode(KindAccepted) }

type Rejected SessionCommand

func (m Rejected) Kind() Kind            { return KindRejected }
func (m Rejected) Encode() ([]byte, error) { return SessionCommand(m).encode(KindRejected) }

type EndSession SessionCommand

func (m EndSession) Kind() Kind            { return KindEndSession }
func (m EndSession) Encode() ([]byte, error) { return SessionCommand(m).encode(KindEndSession) }

// Sync is the CK command: a 3-leg clock offset exchange.
type Sync struct {
	SSRC  uint32
	Count uint8 // 0, 1 or 2
	T1    uint64
	T2    uint64
	T3    uint64
}

func (m Sync) Kind() Kind { return KindSync }

func (m Sync) Encode() ([]byte, error) {
	buf := make([]byte, 0, 36)
	buf = appendUint16(buf, signature)
	tag := tags[KindSync]
	buf = append(buf, tag[0], tag[1])
	buf = appendUint32(buf, m.SSRC)
	buf = append(buf, m.Count, 0, 0, 0)
	buf = appendUint64(buf, m.T1)
	buf = appendUint64(buf, m.T2)
	buf = appendUint64(buf, m.T3)
	return buf, nil
}

func decodeSync(buf []byte) (Sync, error) {
	if len(buf) < 36 {
		return Sync{}, errs.New(errs.Truncated, "applemidi.decodeSync", nil)
	}
	return Sync{
		SSRC:  binary.BigEndian.Uint32(buf[4:8]),
		Count: buf[8],
		T1:    binary.BigEndian.Uint64(buf[12:20]),
		T2:    binary.BigEndian.Uint64(buf[20:28]),
		T3:    binary.BigEndian.Uint64(buf[28:36]),
	}, nil
}

// Feedback is the RS command: receiver-reported highest contiguous
// sequence number, used to truncate the sender's journal.
type Feedback struct {
	SSRC uint32
	Seq  uint32 // high 16 bits must be 0 on the wire
}

func (m Feedback) Kind() Kind { return KindFeedback }

func (m Feedback) Encode() ([]byte, error) {
	if m.Seq > 0xffff {
		return nil, errs.Newf(errs.BadProperty, "applemidi.Feedback.Encode", "sequence %d does not fit 16 bits", m.Seq)
	}
	buf := make([]byte, 0, 12)
	buf = appendUint16(buf, signature)
	tag := tags[KindFeedback]
	buf = append(buf, tag[0], tag[1])
	buf = appendUint32(buf, m.SSRC)
	buf = appendUint32(buf, m.Seq)
	return buf, nil
}

func decodeFeedback(buf []byte) (Feedback, error) {
	if len(buf) < 12 {
		return Feedback{}, errs.New(errs.Truncated, "applemidi.decodeFeedback", nil)
	}
	seq := binary.BigEndian.Uint32(buf[8:12])
	if seq > 0xffff {
		return Feedback{}, errs.Newf(errs.Decode, "applemidi.decodeFeedback", "sequence %#x has nonzero high bits", seq)
	}
	return Feedback{SSRC: binary.BigEndian.Uint32(buf[4:8]), Seq: seq}, nil
}

// Detect reports whether buf opens with the AppleMIDI signature and a
// recognized command tag, and if so which one; callers peek only the
// first 4 bytes before committing to this path.
func Detect(buf []byte) (Kind, bool) {
	if len(buf) < 4 {
		return 0, false
	}
	if binary.BigEndian.Uint16(buf[0:2]) != signature {
		return 0, false
	}
	return kindForTag([2]byte{buf[2], buf[3]})
}

// Decode parses one AppleMIDI command. Detect should be called first;
// Decode re-validates the signature and tag and fails with
// errs.Malformed if the datagram does not open with one of the six
// known commands.
func Decode(buf []byte) (Command, error) {
	kind, ok := Detect(buf)
	if !ok {
		return nil, errs.New(errs.Malformed, "applemidi.Decode", nil)
	}
	switch kind {
	case KindInvitation:
		s, err := decodeSessionCommand(buf)
		return Invitation(s), err
	case KindAccepted:
		s, err := decodeSessionCommand(buf)
		return Accepted(s), err
	case KindRejected:
		s, err := decodeSessionCommand(buf)
		return Rejected(s), err
	case KindEndSession:
		s, err := decodeSessionCommand(buf)
		return EndSession(s), err
	case KindSync:
		return decodeSync(buf)
	case KindFeedback:
		return decodeFeedback(buf)
	default:
		return nil, errs.New(errs.Malformed, "applemidi.Decode", nil)
	}
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}
