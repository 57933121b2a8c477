package rtpmidi

import (
	"testing"

	"github.com/mgsx-dev/midikit/errs"
	"github.com/mgsx-dev/midikit/midi"
)

func TestEncodeSingleNoteOnNoJournal(t *testing.T) {
	m, err := midi.NewNoteOn(0, 0x3c, 0x64)
	if err != nil {
		t.Fatal(err)
	}
	buf, err := Encode([]Command{{DeltaTime: 0, Message: m}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x03, 0x90, 0x3c, 0x64}
	if string(buf) != string(want) {
		t.Fatalf("got % x, want % x", buf, want)
	}
}

func TestDecodeSingleNoteOnNoJournal(t *testing.T) {
	buf := []byte{0x03, 0x90, 0x3c, 0x64}
	sec, err := Decode(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec.Commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(sec.Commands))
	}
	n, ok := sec.Commands[0].Message.(midi.NoteOn)
	if !ok {
		t.Fatalf("decoded %T, want midi.NoteOn", sec.Commands[0].Message)
	}
	if n.Channel != 0 || n.Key != 0x3c || n.Velocity != 0x64 {
		t.Fatalf("got %+v", n)
	}
	if sec.Journal != nil {
		t.Fatalf("unexpected journal section")
	}
}

func TestRoundTripMultipleCommandsWithDelta(t *testing.T) {
	a, _ := midi.NewNoteOn(0, 10, 20)
	b, _ := midi.NewNoteOn(0, 11, 21)
	commands := []Command{
		{DeltaTime: 0, Message: a},
		{DeltaTime: 5, Message: b},
	}
	buf, err := Encode(commands, nil)
	if err != nil {
		t.Fatal(err)
	}
	sec, err := Decode(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec.Commands) != 2 {
		t.Fatalf("got %d commands, want 2", len(sec.Commands))
	}
	if sec.Commands[1].DeltaTime != 5 {
		t.Fatalf("delta time = %d, want 5", sec.Commands[1].DeltaTime)
	}
}

func TestDecodeRunningStatusAcrossCommands(t *testing.T) {
	// status 0x90 explicit once, then two commands that omit it.
	buf := []byte{0x09, 0x90, 0x3c, 0x64, 0x00, 0x3d, 0x65, 0x00, 0x3e, 0x66}
	sec, err := Decode(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec.Commands) != 3 {
		t.Fatalf("got %d commands, want 3", len(sec.Commands))
	}
	for i, want := range []uint8{0x3c, 0x3d, 0x3e} {
		n := sec.Commands[i].Message.(midi.NoteOn)
		if n.Key != want {
			t.Fatalf("command %d key = %#x, want %#x", i, n.Key, want)
		}
	}
}

func TestDecodeWithJournalSection(t *testing.T) {
	journal := []byte{0xaa, 0xbb, 0xcc}
	m, _ := midi.NewNoteOn(0, 1, 1)
	buf, err := Encode([]Command{{Message: m}}, journal)
	if err != nil {
		t.Fatal(err)
	}
	sec, err := Decode(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if string(sec.Journal) != string(journal) {
		t.Fatalf("journal = % x, want % x", sec.Journal, journal)
	}
}

func TestDecodeEmptyCommandSection(t *testing.T) {
	sec, err := Decode([]byte{0x00}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec.Commands) != 0 {
		t.Fatalf("got %d commands, want 0", len(sec.Commands))
	}
}

func TestDecodeBigHeader(t *testing.T) {
	commands := make([]Command, 0, 10)
	for i := 0; i < 10; i++ {
		m, _ := midi.NewNoteOn(0, uint8(i), 100)
		commands = append(commands, Command{DeltaTime: 0, Message: m})
	}
	buf, err := Encode(commands, nil)
	if err != nil {
		t.Fatal(err)
	}
	if buf[0]&bigHeaderBit == 0 {
		t.Fatalf("expected big header flag for %d byte section", len(buf)-1)
	}
	sec, err := Decode(buf, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec.Commands) != 10 {
		t.Fatalf("got %d commands, want 10", len(sec.Commands))
	}
}

func TestDecodeMultiPacketSysExContinuation(t *testing.T) {
	first, _ := midi.SystemExclusive{Fragment: 0, Data: []byte{0x43, 0x12}}.Encode(nil)
	buf1, err := Encode([]Command{{Message: midi.SystemExclusive{Fragment: 0, Data: []byte{0x43, 0x12}}}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf1[1:]) != string(first) {
		t.Fatalf("sanity: got % x", buf1)
	}
	sec1, err := Decode(buf1, 0)
	if err != nil {
		t.Fatal(err)
	}
	sx1 := sec1.Commands[0].Message.(midi.SystemExclusive)
	if sx1.Final {
		t.Fatal("fragment should not be final")
	}

	if !sec1.SysExOpen {
		t.Fatal("section ending mid-sysex should report SysExOpen")
	}

	// A second packet continues the sysex (no status byte) without
	// terminating it; the phantom flag tells the decoder the open
	// status came from the previous packet.
	buf2 := []byte{phantomBit | 0x01, 0x34}
	sec2, err := Decode(buf2, 0xf0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec2.Commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(sec2.Commands))
	}
	if !sec2.SysExOpen {
		t.Fatal("unterminated continuation should keep SysExOpen set")
	}

	// A third packet carries the final fragment and the terminator.
	buf3 := []byte{phantomBit | 0x02, 0x35, 0xf7}
	sec3, err := Decode(buf3, 0xf0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sec3.Commands) != 1 {
		t.Fatalf("got %d commands, want 1", len(sec3.Commands))
	}
	sx3 := sec3.Commands[0].Message.(midi.SystemExclusive)
	if !sx3.Final {
		t.Fatal("terminated fragment should be final")
	}
	if sec3.SysExOpen {
		t.Fatal("terminated sysex should clear SysExOpen")
	}
}

func TestDecodeTruncatedSection(t *testing.T) {
	buf := []byte{0x05, 0x90, 0x3c}
	if _, err := Decode(buf, 0); !errs.Is(err, errs.Truncated) {
		t.Fatalf("expected Truncated, got %v", err)
	}
}

func TestDecodeBadCommand(t *testing.T) {
	buf := []byte{0x01, 0xf4}
	if _, err := Decode(buf, 0); !errs.Is(err, errs.BadCommand) {
		t.Fatalf("expected BadCommand, got %v", err)
	}
}
