package session

import (
	"net"
	"testing"
	"time"

	"github.com/mgsx-dev/midikit/midi"
	"github.com/mgsx-dev/midikit/rtp"
)

// memAddr is a minimal net.Addr, mirroring package applemidi's test helper.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// fakeSocket is an in-memory, non-blocking Transport: WriteTo appends to
// the target's inbox (once routed, see routedSocket), ReadFrom drains
// this side's own inbox and reports a timeout error when empty, exactly
// as a zero-deadline net.PacketConn would.
type fakeSocket struct {
	self  net.Addr
	inbox [][2]any
}

func (t *fakeSocket) deliver(buf []byte, from net.Addr) {
	cp := append([]byte(nil), buf...)
	t.inbox = append(t.inbox, [2]any{cp, from})
}

func (t *fakeSocket) WriteTo(b []byte, addr net.Addr) (int, error) { return len(b), nil }

func (t *fakeSocket) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(t.inbox) == 0 {
		return 0, nil, &net.OpError{Op: "read", Err: timeoutErr{}}
	}
	e := t.inbox[0]
	t.inbox = t.inbox[1:]
	payload := e[0].([]byte)
	from := e[1].(net.Addr)
	n := copy(b, payload)
	return n, from, nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// routedSocket wraps a fakeSocket so writes land directly in the
// matching peer socket's inbox instead of being discarded, with an
// escape hatch to simulate one lost datagram on the data socket.
type routedSocket struct {
	*fakeSocket
	peerControl, peerData *fakeSocket
	dropNextData           bool
}

func (t *routedSocket) WriteTo(b []byte, addr net.Addr) (int, error) {
	if addr == t.peerControl.self {
		t.peerControl.deliver(b, t.fakeSocket.self)
		return len(b), nil
	}
	if t.dropNextData {
		t.dropNextData = false
		return len(b), nil
	}
	t.peerData.deliver(b, t.fakeSocket.self)
	return len(b), nil
}

type wiredSessions struct {
	a, b                           *Session
	aControlAddr, bControlAddr     net.Addr
	aDataAddr, bDataAddr           net.Addr
	aDataSocket, bDataSocket       *routedSocket
}

func newWiredSessions() *wiredSessions {
	aControlAddr, bControlAddr := memAddr("a:5004"), memAddr("b:5004")
	aDataAddr, bDataAddr := memAddr("a:5005"), memAddr("b:5005")

	aControl := &fakeSocket{self: aControlAddr}
	aData := &fakeSocket{self: aDataAddr}
	bControl := &fakeSocket{self: bControlAddr}
	bData := &fakeSocket{self: bDataAddr}

	aControlRouted := &routedSocket{fakeSocket: aControl, peerControl: bControl, peerData: bData}
	aDataRouted := &routedSocket{fakeSocket: aData, peerControl: bControl, peerData: bData}
	bControlRouted := &routedSocket{fakeSocket: bControl, peerControl: aControl, peerData: aData}
	bDataRouted := &routedSocket{fakeSocket: bData, peerControl: aControl, peerData: aData}

	return &wiredSessions{
		a:            New(aControlRouted, aDataRouted, "A", 44100, nil),
		b:            New(bControlRouted, bDataRouted, "B", 44100, nil),
		aControlAddr: aControlAddr, bControlAddr: bControlAddr,
		aDataAddr: aDataAddr, bDataAddr: bDataAddr,
		aDataSocket: aDataRouted, bDataSocket: bDataRouted,
	}
}

// pump drives PollReceive on both sides until no datagram changes hands,
// enough to complete a multi-round-trip handshake in these tests.
func (w *wiredSessions) pump(t *testing.T, now time.Time, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		if err := w.b.PollReceive(now); err != nil {
			t.Fatalf("b.PollReceive: %v", err)
		}
		if err := w.a.PollReceive(now); err != nil {
			t.Fatalf("a.PollReceive: %v", err)
		}
	}
}

func TestSessionHandshakeAndMessageDelivery(t *testing.T) {
	w := newWiredSessions()

	var received []midi.Message
	w.b.OnReceive(func(p *rtp.Peer, m midi.Message) { received = append(received, m) })

	now := time.Unix(0, 0)
	if err := w.a.AddPeer(w.bControlAddr, w.bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	w.pump(t, now, 2)

	if w.a.registry.Len() != 1 {
		t.Fatalf("a's registry has %d peers, want 1", w.a.registry.Len())
	}
	if w.b.registry.Len() != 1 {
		t.Fatalf("b's registry has %d peers, want 1", w.b.registry.Len())
	}

	on, err := midi.NewNoteOn(0, 60, 100)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.a.SendMessage(on); err != nil {
		t.Fatal(err)
	}
	if err := w.a.PollSend(now); err != nil {
		t.Fatal(err)
	}
	if err := w.b.PollReceive(now); err != nil {
		t.Fatal(err)
	}

	if len(received) != 1 || received[0] != midi.Message(on) {
		t.Fatalf("b received %+v, want [%+v]", received, on)
	}
}

func TestSessionJournalRecoversDroppedProgramChange(t *testing.T) {
	w := newWiredSessions()
	now := time.Unix(0, 0)
	if err := w.a.AddPeer(w.bControlAddr, w.bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	w.pump(t, now, 2)

	var received []midi.Message
	w.b.OnReceive(func(p *rtp.Peer, m midi.Message) { received = append(received, m) })

	// Packet 0 establishes B's sequence baseline.
	first, _ := midi.NewNoteOn(0, 60, 100)
	if err := w.a.SendMessage(first); err != nil {
		t.Fatal(err)
	}
	if err := w.a.PollSend(now); err != nil {
		t.Fatal(err)
	}
	if err := w.b.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	received = nil

	// Packet 1 (program change 7) is lost on the wire.
	w.aDataSocket.dropNextData = true
	if err := w.a.SendMessage(midi.ProgramChange{Channel: 0, Program: 7}); err != nil {
		t.Fatal(err)
	}
	if err := w.a.PollSend(now); err != nil {
		t.Fatal(err)
	}

	// Packet 2 arrives; B detects the gap and must recover the program
	// change from the journal before delivering packet 2's own commands.
	second, _ := midi.NewNoteOn(0, 61, 90)
	if err := w.a.SendMessage(second); err != nil {
		t.Fatal(err)
	}
	if err := w.a.PollSend(now); err != nil {
		t.Fatal(err)
	}
	if err := w.b.PollReceive(now); err != nil {
		t.Fatal(err)
	}

	if len(received) == 0 {
		t.Fatal("expected at least the reconstructed program change")
	}
	pc, ok := received[0].(midi.ProgramChange)
	if !ok || pc.Program != 7 {
		t.Fatalf("first delivered message = %+v, want ProgramChange{Program: 7} reconstructed from the journal", received[0])
	}
}

// TestMultiPacketSysExFromPeer feeds three raw RTP packets carrying one
// SysEx split across fragments (F0 43 12 | 34 | 35 F7) and checks that
// the open-SysEx state survives the middle continuation, whose decoded
// message has no status byte of its own to carry it.
func TestMultiPacketSysExFromPeer(t *testing.T) {
	w := newWiredSessions()
	now := time.Unix(0, 0)
	if err := w.a.AddPeer(w.bControlAddr, w.bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	w.pump(t, now, 2)

	var received []midi.Message
	w.b.OnReceive(func(p *rtp.Peer, m midi.Message) { received = append(received, m) })

	// Continuation packets set the P flag and open with pure data.
	payloads := [][]byte{
		{0x03, 0xf0, 0x43, 0x12},
		{0x11, 0x34},
		{0x12, 0x35, 0xf7},
	}
	for i, payload := range payloads {
		wire, err := rtp.Encode(rtp.Packet{
			PayloadType:    rtpMidiPayloadType,
			SequenceNumber: uint16(i),
			SSRC:           w.a.SSRC(),
			Payload:        payload,
		})
		if err != nil {
			t.Fatal(err)
		}
		w.bDataSocket.fakeSocket.deliver(wire, w.aDataAddr)
		if err := w.b.PollReceive(now); err != nil {
			t.Fatal(err)
		}
	}

	if len(received) != 3 {
		t.Fatalf("got %d fragments, want 3: %+v", len(received), received)
	}
	for i, m := range received {
		sx, ok := m.(midi.SystemExclusive)
		if !ok {
			t.Fatalf("fragment %d decoded as %T", i, m)
		}
		if (i == 0) != (sx.Fragment == 0) {
			t.Fatalf("fragment %d has fragment index %d", i, sx.Fragment)
		}
		if (i == 2) != sx.Final {
			t.Fatalf("fragment %d Final = %v", i, sx.Final)
		}
	}
}

func TestTickSendsFeedbackAndKeepAlive(t *testing.T) {
	w := newWiredSessions()
	now := time.Unix(0, 0)
	if err := w.a.AddPeer(w.bControlAddr, w.bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	w.pump(t, now, 2)

	on, _ := midi.NewNoteOn(0, 60, 100)
	if err := w.a.SendMessage(on); err != nil {
		t.Fatal(err)
	}
	if err := w.a.PollSend(now); err != nil {
		t.Fatal(err)
	}
	if err := w.b.PollReceive(now); err != nil {
		t.Fatal(err)
	}

	// B's Tick acknowledges the received sequence; A truncates its
	// outgoing journal on the resulting RS.
	w.b.Tick(now)
	if err := w.a.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	aPeer := w.a.registry.Snapshot()[0]
	if !w.a.journalsFor(aPeer).out.Empty() {
		t.Fatal("A's journal should be empty after B acknowledged its only entry")
	}

	// A sync interval later with nothing queued, A's Tick emits an
	// empty keep-alive packet, consuming one sequence number.
	later := now.Add(time.Minute)
	seqBefore := aPeer.SendSeq
	w.a.Tick(later)
	if aPeer.SendSeq != seqBefore+1 {
		t.Fatalf("keep-alive should consume one sequence number, SendSeq went %d -> %d", seqBefore, aPeer.SendSeq)
	}
}

func TestSyncUpdatesTimestampDiff(t *testing.T) {
	w := newWiredSessions()
	now := time.Unix(0, 0)
	if err := w.a.AddPeer(w.bControlAddr, w.bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	w.pump(t, now, 2)

	// B's clock runs a fixed delta ahead of A's; with an instantaneous
	// link the exchange must measure exactly that delta on A's side and
	// its negation on B's.
	delta := 250 * time.Millisecond
	w.a.Tick(now) // first sync is due immediately
	if err := w.b.PollReceive(now.Add(delta)); err != nil {
		t.Fatal(err)
	}
	if err := w.a.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if err := w.b.PollReceive(now.Add(delta)); err != nil {
		t.Fatal(err)
	}

	aPeer := w.a.registry.Snapshot()[0]
	bPeer := w.b.registry.Snapshot()[0]
	if aPeer.TimestampDiff != int64(delta) {
		t.Fatalf("A measured %d, want %d", aPeer.TimestampDiff, int64(delta))
	}
	if bPeer.TimestampDiff != -int64(delta) {
		t.Fatalf("B measured %d, want %d", bPeer.TimestampDiff, -int64(delta))
	}
}

func TestSendMessageOverflow(t *testing.T) {
	w := newWiredSessions()
	on, _ := midi.NewNoteOn(0, 60, 100)
	for i := 0; i < maxOutboxLen; i++ {
		if err := w.a.SendMessage(on); err != nil {
			t.Fatalf("unexpected error at message %d: %v", i, err)
		}
	}
	if err := w.a.SendMessage(on); err == nil {
		t.Fatal("expected Overflow once the outbox is full")
	}
}
