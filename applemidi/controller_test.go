package applemidi

import (
	"net"
	"testing"
	"time"
)

// memAddr is a minimal net.Addr for the fakeTransport below.
type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

// fakeTransport is an in-memory, non-blocking Transport: WriteTo appends
// to the peer's inbox, ReadFrom drains this side's own inbox. Tests wire
// two fakeTransports to each other's inboxes to simulate a socket pair.
type fakeTransport struct {
	inbox [][2]interface{} // {payload []byte, from net.Addr}
	self  net.Addr
}

func newFakeTransport(self net.Addr) *fakeTransport {
	return &fakeTransport{self: self}
}

func (t *fakeTransport) deliver(buf []byte, from net.Addr) {
	cp := append([]byte(nil), buf...)
	t.inbox = append(t.inbox, [2]interface{}{cp, from})
}

func (t *fakeTransport) WriteTo(b []byte, addr net.Addr) (int, error) {
	return len(b), nil
}

func (t *fakeTransport) ReadFrom(b []byte) (int, net.Addr, error) {
	if len(t.inbox) == 0 {
		return 0, nil, &net.OpError{Op: "read", Err: errTimeout{}}
	}
	entry := t.inbox[0]
	t.inbox = t.inbox[1:]
	payload := entry[0].([]byte)
	from := entry[1].(net.Addr)
	n := copy(b, payload)
	return n, from, nil
}

type errTimeout struct{}

func (errTimeout) Error() string   { return "i/o timeout" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

// wiredPair cross-links two controllers' transports so that writes from
// one land directly in the other's inbox, without a real socket.
type wiredPair struct {
	aControl, aData *fakeTransport
	bControl, bData *fakeTransport
}

func newWiredPair(aAddr, bAddr net.Addr) *wiredPair {
	return &wiredPair{
		aControl: newFakeTransport(aAddr),
		aData:    newFakeTransport(aAddr),
		bControl: newFakeTransport(bAddr),
		bData:    newFakeTransport(bAddr),
	}
}

// crossWriteTransport wraps a fakeTransport's WriteTo to deliver directly
// into the peer's inbox instead of discarding the payload.
type crossWriteTransport struct {
	*fakeTransport
	peerControl, peerData *fakeTransport
}

func (t *crossWriteTransport) WriteTo(b []byte, addr net.Addr) (int, error) {
	// Route by which of the peer's two sockets this datagram targets:
	// tests always address control-socket traffic to peerControl's addr
	// and data-socket traffic to peerData's addr.
	if addr == t.peerControl.self {
		t.peerControl.deliver(b, t.fakeTransport.self)
	} else {
		t.peerData.deliver(b, t.fakeTransport.self)
	}
	return len(b), nil
}

func newController(selfAddr net.Addr, control, data *fakeTransport, peerControl, peerData *fakeTransport, ssrc uint32, cfg Config) *Controller {
	cw := func(t *fakeTransport) Transport {
		return &crossWriteTransport{fakeTransport: t, peerControl: peerControl, peerData: peerData}
	}
	return NewController(cw(control), cw(data), ssrc, cfg, nil)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InvitationMaxAttempts = 3
	cfg.InvitationBackoffBase = time.Second
	cfg.InvitationBackoffMax = 4 * time.Second
	return cfg
}

// TestInvitationHandshakeEstablishesPeer checks that an
// initiator invites a responder on the control socket, then the data
// socket, and both sides end up Established.
func TestInvitationHandshakeEstablishesPeer(t *testing.T) {
	aAddr, bAddr := memAddr("a:5004"), memAddr("b:5004")
	aDataAddr, bDataAddr := memAddr("a:5005"), memAddr("b:5005")

	pair := newWiredPair(aAddr, bAddr)
	pair.aData.self = aDataAddr
	pair.bData.self = bDataAddr

	a := newController(aAddr, pair.aControl, pair.aData, pair.bControl, pair.bData, 1, testConfig())
	b := newController(bAddr, pair.bControl, pair.bData, pair.aControl, pair.aData, 2, testConfig())

	now := time.Unix(0, 0)
	if err := a.Invite(bAddr, bDataAddr, now); err != nil {
		t.Fatal(err)
	}

	// Deliver IN (control) -> B, B replies OK (control) -> A.
	if err := b.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if err := a.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if a.PeerState(bAddr) != StateInvitingData {
		t.Fatalf("after control OK, A should be inviting on data, got %s", a.PeerState(bAddr))
	}

	// A's data-socket IN -> B, B replies OK (data) -> A.
	if err := b.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if err := a.PollReceive(now); err != nil {
		t.Fatal(err)
	}

	if a.PeerState(bAddr) != StateEstablished {
		t.Fatalf("A should be established, got %s", a.PeerState(bAddr))
	}
	if b.PeerState(aAddr) != StateEstablished {
		t.Fatalf("B should be established, got %s", b.PeerState(aAddr))
	}
}

// TestInvitationRejected mirrors a peer-limit rejection: B is already at
// its peer limit and replies NO, tearing down A's pending peer.
func TestInvitationRejected(t *testing.T) {
	aAddr, bAddr := memAddr("a:5004"), memAddr("b:5004")
	bDataAddr := memAddr("b:5005")

	pair := newWiredPair(aAddr, bAddr)
	a := newController(aAddr, pair.aControl, pair.aData, pair.bControl, pair.bData, 1, testConfig())
	cfg := testConfig()
	cfg.PeerLimit = 0
	b := newController(bAddr, pair.bControl, pair.bData, pair.aControl, pair.aData, 2, cfg)

	now := time.Unix(0, 0)
	if err := a.Invite(bAddr, bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	if err := b.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if err := a.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if a.PeerState(bAddr) != StateIdle {
		t.Fatalf("rejected invitation should remove the peer, got state %s", a.PeerState(bAddr))
	}
}

// TestInvitationRetryExhaustion checks that an invitation that
// never gets a reply must give up after InvitationMaxAttempts ticks.
func TestInvitationRetryExhaustion(t *testing.T) {
	aAddr, bAddr := memAddr("a:5004"), memAddr("b:5004")
	bDataAddr := memAddr("b:5005")
	pair := newWiredPair(aAddr, bAddr)
	a := newController(aAddr, pair.aControl, pair.aData, pair.bControl, pair.bData, 1, testConfig())

	now := time.Unix(0, 0)
	if err := a.Invite(bAddr, bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	// Never let B see the datagrams: just advance time past every retry.
	for i := 0; i < 10; i++ {
		now = now.Add(5 * time.Second)
		a.Tick(now)
	}
	if a.PeerState(bAddr) != StateIdle {
		t.Fatalf("exhausted invitation should remove the peer, got %s", a.PeerState(bAddr))
	}
}

// TestSyncThreeLegExchange runs a full CK0/CK1/CK2
// exchange between two established peers.
func TestSyncThreeLegExchange(t *testing.T) {
	aAddr, bAddr := memAddr("a:5004"), memAddr("b:5004")
	aDataAddr, bDataAddr := memAddr("a:5005"), memAddr("b:5005")
	pair := newWiredPair(aAddr, bAddr)
	pair.aData.self = aDataAddr
	pair.bData.self = bDataAddr

	a := newController(aAddr, pair.aControl, pair.aData, pair.bControl, pair.bData, 1, testConfig())
	b := newController(bAddr, pair.bControl, pair.bData, pair.aControl, pair.aData, 2, testConfig())

	var completed bool
	b.diagnostics = func(e Event) {
		if e.Kind == EventSyncCompleted {
			completed = true
		}
	}

	now := time.Unix(0, 0)
	if err := a.Invite(bAddr, bDataAddr, now); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		if err := b.PollReceive(now); err != nil {
			t.Fatal(err)
		}
		if err := a.PollReceive(now); err != nil {
			t.Fatal(err)
		}
	}
	if a.PeerState(bAddr) != StateEstablished || b.PeerState(aAddr) != StateEstablished {
		t.Fatal("handshake did not complete")
	}

	// Established peers sync on the next tick.
	a.Tick(now)
	if err := b.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if err := a.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if err := b.PollReceive(now); err != nil {
		t.Fatal(err)
	}
	if !completed {
		t.Fatal("expected B to report a completed sync exchange")
	}
}
