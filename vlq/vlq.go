// Package vlq implements the 7-bit-per-byte, big-endian variable-length
// quantity used both by the RTP-MIDI command list's delta-times and by
// the recovery journal's parameter-chapter pending count.
package vlq

import (
	"github.com/mgsx-dev/midikit/errs"
)

// MaxValue is the largest value representable in the 4-byte maximum.
const MaxValue = 0x0FFFFFFF

// MaxBytes is the maximum number of bytes a quantity may occupy.
const MaxBytes = 4

// Encode renders v as a VLQ: 7-bit groups, most significant group
// first, with the continuation bit (0x80) set on every byte but the
// last. It fails with errs.Overflow if v exceeds MaxValue.
func Encode(v uint32) ([]byte, error) {
	if v > MaxValue {
		return nil, errs.Newf(errs.Overflow, "vlq.Encode", "value %#x exceeds %d-bit range", v, 28)
	}

	// Collect 7-bit groups least-significant first.
	groups := []byte{byte(v & 0x7f)}
	v >>= 7
	for v > 0 {
		groups = append(groups, byte(v&0x7f))
		v >>= 7
	}

	out := make([]byte, len(groups))
	last := len(groups) - 1
	for i := range groups {
		out[i] = groups[last-i]
		if i != last {
			out[i] |= 0x80
		}
	}
	return out, nil
}

// Decode reads a VLQ from the front of buf, returning the decoded value
// and the number of bytes consumed. It fails with errs.Truncated if buf
// ends before a byte with the continuation bit clear is seen, or if no
// such byte appears within MaxBytes bytes.
func Decode(buf []byte) (value uint32, n int, err error) {
	for n = 0; n < MaxBytes; n++ {
		if n >= len(buf) {
			return 0, n, errs.Newf(errs.Truncated, "vlq.Decode", "buffer ended after %d byte(s) without a terminating octet", n)
		}
		b := buf[n]
		value = (value << 7) | uint32(b&0x7f)
		if b&0x80 == 0 {
			return value, n + 1, nil
		}
	}
	return 0, n, errs.Newf(errs.Truncated, "vlq.Decode", "no terminating octet within %d-byte maximum", MaxBytes)
}
