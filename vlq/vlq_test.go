package vlq

import (
	"bytes"
	"testing"

	"github.com/mgsx-dev/midikit/errs"
)

func TestRoundTrip(t *testing.T) {
	cases := []uint32{0, 1, 0x7f, 0x80, 0x2000, 0x3fff, 0x1fffff, 0x0fffffff, MaxValue}
	for _, v := range cases {
		enc, err := Encode(v)
		if err != nil {
			t.Fatalf("Encode(%#x): %v", v, err)
		}
		got, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode(%#x encoded): %v", v, err)
		}
		if n != len(enc) {
			t.Fatalf("Decode(%#x) consumed %d bytes, want %d", v, n, len(enc))
		}
		if got != v {
			t.Fatalf("round trip %#x -> %#x", v, got)
		}
	}
}

func TestEncodeOverflow(t *testing.T) {
	_, err := Encode(MaxValue + 1)
	if !errs.Is(err, errs.Overflow) {
		t.Fatalf("expected Overflow, got %v", err)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := Decode([]byte{0x80, 0x80})
	if !errs.Is(err, errs.Truncated) {
		t.Fatalf("expected Truncated, got %v", err)
	}
	_, _, err = Decode([]byte{0x80, 0x80, 0x80, 0x80})
	if !errs.Is(err, errs.Truncated) {
		t.Fatalf("expected Truncated for 4 continuation bytes, got %v", err)
	}
}

func TestKnownEncoding(t *testing.T) {
	// 0x3fff = 11 1111 1111 1111 -> groups 0x7f,0x7f -> bytes 0xff,0x7f
	enc, err := Encode(0x3fff)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(enc, []byte{0xff, 0x7f}) {
		t.Fatalf("got % x", enc)
	}
}
