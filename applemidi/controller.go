package applemidi

import (
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mgsx-dev/midikit/errs"
	"github.com/mgsx-dev/midikit/internal/clock"
)

// randomToken generates an invitation token; it only needs to be
// unpredictable enough to match replies against outstanding invites,
// not cryptographically secure.
func randomToken() uint32 { return rand.Uint32() }

// PeerState is a peer's position in the invitation/sync state machine.
type PeerState int

const (
	StateIdle PeerState = iota
	StateInvitingControl
	StateInvitingData
	StateEstablished
	StateClosing
)

func (s PeerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInvitingControl:
		return "inviting_control"
	case StateInvitingData:
		return "inviting_data"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventKind categorizes a diagnostics Event, mirroring this module's
// error kinds plus the state-machine transitions worth surfacing.
type EventKind int

const (
	EventMalformed EventKind = iota
	EventStray
	EventInviteRejected
	EventInviteFailed
	EventEstablished
	EventClosed
	EventSyncCompleted
	EventIO
)

func (k EventKind) String() string {
	switch k {
	case EventMalformed:
		return "malformed"
	case EventStray:
		return "stray"
	case EventInviteRejected:
		return "invite_rejected"
	case EventInviteFailed:
		return "invite_failed"
	case EventEstablished:
		return "established"
	case EventClosed:
		return "closed"
	case EventSyncCompleted:
		return "sync_completed"
	case EventIO:
		return "io"
	default:
		return "unknown"
	}
}

// Event is one diagnostics notification. The core never logs; it calls
// a Diagnostics hook the host wires to its own logger.
type Event struct {
	ID      uuid.UUID
	Kind    EventKind
	Peer    net.Addr
	Err     error
	Message string
}

// Diagnostics receives one Event per recoverable error or state
// transition a poll/tick call produces.
type Diagnostics func(Event)

// Config enumerates the tunable knobs of a Controller.
type Config struct {
	SessionName               string
	PeerLimit                 int
	SyncInterval              time.Duration
	SyncJitterFrac            float64
	InvitationBackoffBase     time.Duration
	InvitationBackoffMax      time.Duration
	InvitationMaxAttempts     int

	// InviteAcceptRate and InviteAcceptBurst bound how fast this
	// controller will create new peer state for unsolicited IN
	// datagrams, independent of PeerLimit: a burst of invitations from
	// addresses that never complete the handshake would otherwise churn
	// through peer map entries at whatever rate the network allows.
	InviteAcceptRate  float64
	InviteAcceptBurst int
}

// DefaultConfig returns sane defaults: 10s sync interval with ±20%
// jitter, 2s invitation backoff doubling to 32s over 12 attempts.
func DefaultConfig() Config {
	return Config{
		SessionName:           "",
		PeerLimit:             32,
		SyncInterval:          10 * time.Second,
		SyncJitterFrac:        0.2,
		InviteAcceptRate:      50,
		InviteAcceptBurst:     50,
		InvitationBackoffBase: 2 * time.Second,
		InvitationBackoffMax:  32 * time.Second,
		InvitationMaxAttempts: 12,
	}
}

// peer is one remote participant's session-control bookkeeping. The
// RTP-level Peer (package rtp) is separate; this is added to the
// registry only once the peer reaches StateEstablished.
type peer struct {
	controlAddr net.Addr
	dataAddr    net.Addr
	state       PeerState
	localSSRC   uint32
	remoteSSRC  uint32
	token       uint32
	name        string

	retry *clock.Backoff

	syncDue    time.Time
	syncT1     uint64
	haveSyncT1 bool

	lastSendTime time.Time // for the idle keep-alive timer
}

// Transport abstracts the two UDP sockets so Controller can be driven
// in tests without a real network; net.PacketConn satisfies it
// directly.
type Transport interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
	ReadFrom(b []byte) (int, net.Addr, error)
}

// Controller is the AppleMIDI session controller: it owns the control
// and data sockets, demultiplexes incoming datagrams between AppleMIDI
// commands and RTP packets, and drives the invitation/sync state
// machine via non-blocking, caller-driven PollReceive/Tick calls rather
// than a goroutine-per-socket blocking loop.
type Controller struct {
	control Transport
	data    Transport

	localSSRC uint32
	cfg       Config

	peers map[string]*peer // keyed by control address string

	// inviteLimiter throttles acceptance of unsolicited IN datagrams
	// from addresses with no existing peer entry: a token bucket on the
	// responder side of the invitation handshake.
	inviteLimiter *rate.Limiter

	diagnostics Diagnostics

	// OnRTP is called with the data-socket payload and source address
	// for any datagram that does not carry the AppleMIDI signature;
	// the caller (package session's Session) owns RTP framing.
	OnRTP func(buf []byte, from net.Addr)

	// OnFeedback is called when a Feedback (RS) command arrives for an
	// established peer, so the caller can truncate that peer's journal.
	OnFeedback func(controlAddr net.Addr, seq uint32)

	// OnPeerEstablished is called once a peer completes both legs of the
	// invitation handshake and reaches StateEstablished, so the caller
	// can add it to the RTP peer registry. dataAddr is where RTP and
	// sync packets for this peer arrive.
	OnPeerEstablished func(controlAddr, dataAddr net.Addr, remoteSSRC uint32)

	// OnPeerRemoved is called whenever a peer leaves the registry for any
	// reason (BY sent or received, NO received, invite retries exhausted,
	// or explicit RemovePeer/Close), so the caller can drop the matching
	// RTP registry entry and journal.
	OnPeerRemoved func(controlAddr net.Addr)

	// OnSyncOffset is called when a sync exchange completes with the
	// clock offset (peer clock minus ours) it measured, so the caller
	// can record it on the RTP peer.
	OnSyncOffset func(dataAddr net.Addr, offset int64)
}

// NewController constructs a controller bound to the given control and
// data transports. ssrc is this session's locally assigned SSRC.
func NewController(control, data Transport, ssrc uint32, cfg Config, diag Diagnostics) *Controller {
	limit := rate.Limit(cfg.InviteAcceptRate)
	burst := cfg.InviteAcceptBurst
	if cfg.InviteAcceptRate <= 0 {
		limit = rate.Inf
		burst = 0
	}
	return &Controller{
		control:       control,
		data:          data,
		localSSRC:     ssrc,
		cfg:           cfg,
		peers:         make(map[string]*peer),
		inviteLimiter: rate.NewLimiter(limit, burst),
		diagnostics:   diag,
	}
}

func (c *Controller) emit(e Event) {
	if c.diagnostics == nil {
		return
	}
	e.ID = uuid.New()
	c.diagnostics(e)
}

// Invite begins the invitation handshake with a new peer at the given
// control and data addresses. It fails with errs.DuplicateAddress if a
// peer at this control address already exists, or errs.Overflow if the
// peer limit has been reached.
func (c *Controller) Invite(controlAddr, dataAddr net.Addr, now time.Time) error {
	key := controlAddr.String()
	if _, ok := c.peers[key]; ok {
		return errs.Newf(errs.DuplicateAddress, "applemidi.Controller.Invite", "peer at %s already exists", key)
	}
	if c.countEstablished() >= c.cfg.PeerLimit {
		return errs.Newf(errs.Overflow, "applemidi.Controller.Invite", "peer limit %d reached", c.cfg.PeerLimit)
	}

	p := &peer{
		controlAddr: controlAddr,
		dataAddr:    dataAddr,
		state:       StateInvitingControl,
		localSSRC:   c.localSSRC,
		token:       randomToken(),
	}
	p.retry = clock.NewBackoff(c.cfg.InvitationBackoffBase, c.cfg.InvitationBackoffMax, c.cfg.InvitationMaxAttempts, 0)
	c.peers[key] = p
	return c.sendInvite(p, now)
}

func (c *Controller) sendInvite(p *peer, now time.Time) error {
	cmd := Invitation{Version: 2, Token: p.token, SSRC: c.localSSRC, Name: c.cfg.SessionName}
	buf, err := cmd.Encode()
	if err != nil {
		return err
	}
	target := p.controlAddr
	transport := c.control
	if p.state == StateInvitingData {
		target = p.dataAddr
		transport = c.data
	}
	if _, err := transport.WriteTo(buf, target); err != nil {
		c.emit(Event{Kind: EventIO, Peer: target, Err: err})
		return errs.Newf(errs.Io, "applemidi.Controller.sendInvite", "write to %s: %v", target, err)
	}
	p.retry.Arm(now)
	return nil
}

func (c *Controller) countEstablished() int {
	n := 0
	for _, p := range c.peers {
		if p.state == StateEstablished {
			n++
		}
	}
	return n
}

// RemovePeer tears a peer down immediately, abandoning its pending
// timers. It does not notify the remote side; use Close to send BY
// first.
func (c *Controller) RemovePeer(controlAddr net.Addr) {
	if p, ok := c.peers[controlAddr.String()]; ok {
		c.removePeer(p, controlAddr)
	}
}

// removePeer deletes p from the peer map and notifies OnPeerRemoved
// exactly once, regardless of which code path triggered the teardown.
func (c *Controller) removePeer(p *peer, controlAddr net.Addr) {
	delete(c.peers, controlAddr.String())
	if c.OnPeerRemoved != nil {
		c.OnPeerRemoved(controlAddr)
	}
}

// Close sends BY to the peer at controlAddr and transitions it straight
// to Idle (by removing it), regardless of whether the send succeeds —
// the Closing state never waits for an acknowledgement.
func (c *Controller) Close(controlAddr net.Addr, now time.Time) error {
	p := c.findByControlAddr(controlAddr)
	if p == nil {
		return nil
	}
	p.state = StateClosing
	cmd := EndSession{Version: 2, Token: p.token, SSRC: c.localSSRC}
	buf, err := cmd.Encode()
	var sendErr error
	if err == nil {
		if _, werr := c.control.WriteTo(buf, p.controlAddr); werr != nil {
			sendErr = errs.Newf(errs.Io, "applemidi.Controller.Close", "write to %s: %v", p.controlAddr, werr)
			c.emit(Event{Kind: EventIO, Peer: p.controlAddr, Err: werr})
		}
	}
	c.removePeer(p, controlAddr)
	return sendErr
}

// PollReceive reads one pending datagram from each socket (if any) and
// drives the state machine. It never blocks: callers use a Transport
// whose ReadFrom returns immediately (a zero-deadline net.PacketConn).
func (c *Controller) PollReceive(now time.Time) error {
	if err := c.pollOne(c.control, true, now); err != nil {
		return err
	}
	return c.pollOne(c.data, false, now)
}

func (c *Controller) pollOne(t Transport, isControl bool, now time.Time) error {
	buf := make([]byte, 1500)
	n, from, err := t.ReadFrom(buf)
	if err != nil {
		if isTimeout(err) {
			return nil
		}
		c.emit(Event{Kind: EventIO, Err: err})
		return errs.Newf(errs.Io, "applemidi.Controller.pollOne", "read: %v", err)
	}
	if n == 0 {
		return nil
	}
	datagram := buf[:n]

	if _, ok := Detect(datagram); !ok {
		if isControl {
			c.emit(Event{Kind: EventStray, Peer: from, Message: "non-AppleMIDI datagram on control socket"})
			return nil
		}
		if c.OnRTP != nil {
			c.OnRTP(datagram, from)
		}
		return nil
	}

	cmd, err := Decode(datagram)
	if err != nil {
		c.emit(Event{Kind: EventMalformed, Peer: from, Err: err})
		return nil
	}
	c.dispatch(cmd, from, isControl, now)
	return nil
}

func (c *Controller) dispatch(cmd Command, from net.Addr, isControl bool, now time.Time) {
	switch m := cmd.(type) {
	case Invitation:
		c.handleInvitation(m, from, isControl, now)
	case Accepted:
		c.handleAccepted(m, from, isControl, now)
	case Rejected:
		c.handleRejected(m, from)
	case EndSession:
		c.handleEndSession(m, from)
	case Sync:
		c.handleSync(m, from, now)
	case Feedback:
		c.handleFeedback(m, from)
	}
}

func (c *Controller) findByControlAddr(addr net.Addr) *peer {
	return c.peers[addr.String()]
}

// findByDataAddr locates a peer by its data-socket address, since Sync
// arrives on the data socket but peers are keyed by control address.
func (c *Controller) findByDataAddr(addr net.Addr) *peer {
	key := addr.String()
	for _, p := range c.peers {
		if p.dataAddr != nil && p.dataAddr.String() == key {
			return p
		}
	}
	return nil
}

// handleInvitation applies the invitation policy: accept iff under the
// peer limit and the SSRC is not already registered.
func (c *Controller) handleInvitation(m Invitation, from net.Addr, isControl bool, now time.Time) {
	if isControl {
		p := c.findByControlAddr(from)
		if p == nil {
			if !c.inviteLimiter.Allow() {
				// Rejected, not dropped: over the rate the inviter gets
				// the same NO reply as for a full peer table.
				reply := Rejected{Version: 2, Token: m.Token, SSRC: c.localSSRC}
				buf, _ := reply.Encode()
				c.control.WriteTo(buf, from)
				return
			}
			if c.countEstablished() >= c.cfg.PeerLimit || c.ssrcInUse(m.SSRC) {
				reply := Rejected{Version: 2, Token: m.Token, SSRC: c.localSSRC}
				buf, _ := reply.Encode()
				c.control.WriteTo(buf, from)
				return
			}
			p = &peer{controlAddr: from, state: StateInvitingControl, remoteSSRC: m.SSRC, token: m.Token, name: m.Name}
			p.retry = clock.NewBackoff(c.cfg.InvitationBackoffBase, c.cfg.InvitationBackoffMax, c.cfg.InvitationMaxAttempts, 0)
			c.peers[from.String()] = p
		}
		reply := Accepted{Version: 2, Token: m.Token, SSRC: c.localSSRC}
		buf, _ := reply.Encode()
		c.control.WriteTo(buf, from)
		return
	}

	// IN received on the data socket completes the responder side of
	// the handshake: reply OK on the data socket and the peer becomes
	// Established.
	for _, p := range c.peers {
		if p.token == m.Token && p.state == StateInvitingControl {
			p.dataAddr = from
			p.state = StateEstablished
			p.retry.Reset()
			p.syncDue = now
			p.lastSendTime = now
			reply := Accepted{Version: 2, Token: m.Token, SSRC: c.localSSRC}
			buf, _ := reply.Encode()
			c.data.WriteTo(buf, from)
			c.emit(Event{Kind: EventEstablished, Peer: p.controlAddr})
			if c.OnPeerEstablished != nil {
				c.OnPeerEstablished(p.controlAddr, p.dataAddr, p.remoteSSRC)
			}
			return
		}
	}
}

func (c *Controller) ssrcInUse(ssrc uint32) bool {
	for _, p := range c.peers {
		if p.remoteSSRC == ssrc {
			return true
		}
	}
	return false
}

func (c *Controller) handleAccepted(m Accepted, from net.Addr, isControl bool, now time.Time) {
	var p *peer
	if isControl {
		p = c.findByControlAddr(from)
	} else {
		// The data-socket OK arrives from the peer's data address, which
		// is not how peers are keyed; match by token instead.
		for _, candidate := range c.peers {
			if candidate.token == m.Token && candidate.state == StateInvitingData {
				p = candidate
				break
			}
		}
	}
	if p == nil || p.token != m.Token {
		return
	}
	switch p.state {
	case StateInvitingControl:
		if !isControl {
			return
		}
		p.remoteSSRC = m.SSRC
		p.state = StateInvitingData
		p.retry.Reset()
		c.sendInvite(p, now)
	case StateInvitingData:
		p.state = StateEstablished
		p.retry.Reset()
		p.syncDue = now
		p.lastSendTime = now
		c.emit(Event{Kind: EventEstablished, Peer: p.controlAddr})
		if c.OnPeerEstablished != nil {
			c.OnPeerEstablished(p.controlAddr, p.dataAddr, p.remoteSSRC)
		}
	}
}

func (c *Controller) handleRejected(m Rejected, from net.Addr) {
	p := c.findByControlAddr(from)
	if p == nil || p.token != m.Token {
		return
	}
	c.emit(Event{Kind: EventInviteRejected, Peer: from})
	c.removePeer(p, from)
}

func (c *Controller) handleEndSession(m EndSession, from net.Addr) {
	p := c.findByControlAddr(from)
	if p == nil {
		return
	}
	c.emit(Event{Kind: EventClosed, Peer: from})
	c.removePeer(p, from)
}

// handleSync implements the 3-leg clock-offset exchange for both
// initiator and responder roles.
func (c *Controller) handleSync(m Sync, from net.Addr, now time.Time) {
	p := c.findByDataAddr(from)
	if p == nil {
		return
	}
	nowTicks := uint64(now.UnixNano())
	switch m.Count {
	case 0:
		reply := Sync{SSRC: c.localSSRC, Count: 1, T1: m.T1, T2: nowTicks}
		buf, _ := reply.Encode()
		c.data.WriteTo(buf, p.dataAddr)
	case 1:
		// Only the peer that originated CK0 should see its echo accepted;
		// haveSyncT1/syncT1 is this side's own bookkeeping from
		// initiateSync, not something the responder role ever sets.
		if !p.haveSyncT1 || m.T1 != p.syncT1 {
			return
		}
		reply := Sync{SSRC: c.localSSRC, Count: 2, T1: m.T1, T2: m.T2, T3: nowTicks}
		buf, _ := reply.Encode()
		c.data.WriteTo(buf, p.dataAddr)
		// The initiator has all three timestamps at this point too, so
		// it records its own offset estimate without a fourth leg.
		offset := int64(m.T2) - (int64(m.T1)+int64(nowTicks))/2
		if c.OnSyncOffset != nil {
			c.OnSyncOffset(p.dataAddr, offset)
		}
	case 2:
		// CK2 completes the exchange on the responder side: T1 and T3 are
		// the initiator's clock at the two ends of the round trip, T2 is
		// this side's own clock in between. The midpoint (T1+T3)/2 is the
		// peer's clock at the same instant as T2, so the difference is
		// peer clock minus ours.
		offset := (int64(m.T1)+int64(m.T3))/2 - int64(m.T2)
		if c.OnSyncOffset != nil {
			c.OnSyncOffset(p.dataAddr, offset)
		}
		c.emit(Event{Kind: EventSyncCompleted, Peer: from, Message: formatOffset(offset)})
	default:
		// count values past 2 are unreachable under the 0/1/2 wire
		// protocol; ignored rather than repurposed.
		c.emit(Event{Kind: EventMalformed, Peer: from, Message: "sync count out of range"})
	}
}

func (c *Controller) handleFeedback(m Feedback, from net.Addr) {
	p := c.findByControlAddr(from)
	if p == nil || p.state != StateEstablished {
		return
	}
	if c.OnFeedback != nil {
		c.OnFeedback(from, m.Seq)
	}
}

// Tick fires scheduled syncs and invitation retries: the sync
// interval, invitation retry backoff, and (via lastSendTime) the idle
// keep-alive a caller can check with NeedsKeepAlive.
func (c *Controller) Tick(now time.Time) {
	for _, p := range c.peers {
		switch p.state {
		case StateInvitingControl, StateInvitingData:
			if p.retry.Exhausted() {
				c.emit(Event{Kind: EventInviteFailed, Peer: p.controlAddr})
				c.removePeer(p, p.controlAddr)
				continue
			}
			if p.retry.Due(now) {
				c.sendInvite(p, now)
			}
		case StateEstablished:
			if !p.syncDue.After(now) {
				c.initiateSync(p, now)
				p.syncDue = now.Add(clock.Jitter(c.cfg.SyncInterval, c.cfg.SyncJitterFrac))
			}
		}
	}
}

func (c *Controller) initiateSync(p *peer, now time.Time) {
	p.syncT1 = uint64(now.UnixNano())
	p.haveSyncT1 = true
	cmd := Sync{SSRC: c.localSSRC, Count: 0, T1: p.syncT1}
	buf, _ := cmd.Encode()
	c.data.WriteTo(buf, p.dataAddr)
}

// NeedsKeepAlive reports whether a peer has gone one sync interval
// without an outgoing RTP send and is due an idle keep-alive.
func (c *Controller) NeedsKeepAlive(controlAddr net.Addr, now time.Time) bool {
	p := c.findByControlAddr(controlAddr)
	if p == nil || p.state != StateEstablished {
		return false
	}
	return !p.lastSendTime.IsZero() && now.Sub(p.lastSendTime) >= c.cfg.SyncInterval
}

// SendFeedback sends an RS command acknowledging seq as the highest
// sequence fully processed from the peer at controlAddr, so the remote
// can truncate its recovery journal.
func (c *Controller) SendFeedback(controlAddr net.Addr, seq uint16, now time.Time) error {
	p := c.findByControlAddr(controlAddr)
	if p == nil || p.state != StateEstablished {
		return nil
	}
	cmd := Feedback{SSRC: c.localSSRC, Seq: uint32(seq)}
	buf, err := cmd.Encode()
	if err != nil {
		return err
	}
	if _, err := c.control.WriteTo(buf, p.controlAddr); err != nil {
		return errs.New(errs.Io, "applemidi.Controller.SendFeedback", err)
	}
	return nil
}

// NoteSend records that a packet was just sent to this peer, for
// NeedsKeepAlive's bookkeeping.
func (c *Controller) NoteSend(controlAddr net.Addr, now time.Time) {
	if p := c.findByControlAddr(controlAddr); p != nil {
		p.lastSendTime = now
	}
}

// PeerState reports the current state of the peer at controlAddr, or
// StateIdle if there is no such peer.
func (c *Controller) PeerState(controlAddr net.Addr) PeerState {
	if p := c.findByControlAddr(controlAddr); p != nil {
		return p.state
	}
	return StateIdle
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	te, ok := err.(timeout)
	return ok && te.Timeout()
}

func formatOffset(offset int64) string {
	return "offset " + strconv.FormatInt(offset, 10)
}
