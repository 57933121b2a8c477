// Package errs defines the error kinds shared by every midikit component.
//
// It sits below every other package (vlq, midi, rtp, rtpmidi, journal,
// applemidi) so that a caller anywhere in the tree can test the failure
// mode of an operation with errors.As, regardless of which layer raised
// it, rather than string-matching error text.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories this module's components report.
// A Kind on its own is never returned to a caller; it is always wrapped
// in an *Error with an operation name and an underlying cause.
type Kind int

const (
	// Unknown is the zero value; never produced by this module.
	Unknown Kind = iota
	// Io is a socket-level send/receive failure.
	Io
	// Malformed is a datagram that failed to decode at the applemidi
	// command layer. The datagram is dropped.
	Malformed
	// UnknownPeer is an RTP packet whose SSRC has no registry entry.
	UnknownPeer
	// BadSequence is an RTP sequence gap beyond the recovery window.
	BadSequence
	// InviteRejected is a peer's NO in response to an invitation.
	InviteRejected
	// InviteFailed is an invitation whose retry budget is exhausted.
	InviteFailed
	// DuplicateSSRC is an add_peer rejected by the registry.
	DuplicateSSRC
	// DuplicateAddress is an add_peer rejected by the registry.
	DuplicateAddress
	// Overflow is a send_message call against a full outbound queue.
	Overflow
	// Truncated is a buffer that ended before a codec finished parsing.
	Truncated
	// BadCommand is a MIDI command whose status byte (after running
	// status) does not match any known form.
	BadCommand
	// BadProperty is a property setter whose value does not fit the
	// field's bit width, or whose buffer is the wrong size.
	BadProperty
	// Decode is a generic framing/journal parse failure distinct from
	// the more specific kinds above.
	Decode
)

var names = map[Kind]string{
	Unknown:           "unknown",
	Io:                "io",
	Malformed:         "malformed",
	UnknownPeer:       "unknown_peer",
	BadSequence:       "bad_sequence",
	InviteRejected:    "invite_rejected",
	InviteFailed:      "invite_failed",
	DuplicateSSRC:     "duplicate_ssrc",
	DuplicateAddress:  "duplicate_address",
	Overflow:          "overflow",
	Truncated:         "truncated",
	BadCommand:        "bad_command",
	BadProperty:       "bad_property",
	Decode:            "decode",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the concrete error type returned by every midikit package.
// Op is a short "package.Func" label naming the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error. err may be nil when the kind alone is self
// explanatory (e.g. Overflow).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is a convenience wrapper combining fmt.Errorf and New.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) is a midikit *Error of
// the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
