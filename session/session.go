// Package session implements the single type a host actually drives.
// It wires together every other component — applemidi.Controller for
// invitations and clock sync, rtp for packet framing and the peer
// registry, rtpmidi for the MIDI payload codec and journal for
// recovery — behind three cooperative entry points: PollReceive,
// PollSend and Tick.
//
// Receiving and sending both run as non-blocking polls rather than a
// blocking per-socket read loop, so the whole transport core stays
// single-threaded and cooperative: nothing below this package ever
// spawns a goroutine or blocks.
package session

import (
	"math/rand"
	"net"
	"time"

	"github.com/mgsx-dev/midikit/applemidi"
	"github.com/mgsx-dev/midikit/errs"
	"github.com/mgsx-dev/midikit/journal"
	"github.com/mgsx-dev/midikit/midi"
	"github.com/mgsx-dev/midikit/rtp"
	"github.com/mgsx-dev/midikit/rtpmidi"
)

// rtpMidiPayloadType is the static RTP payload type used for every
// outgoing packet.
const rtpMidiPayloadType = 0x61

const defaultSamplingRate = 44100

// maxOutboxLen bounds the outbound queue; SendMessage fails with
// errs.Overflow once it is reached.
const maxOutboxLen = 4096

// defaultRecoveryWindow is the largest sequence gap the journal is
// asked to bridge; beyond it reconstruction is skipped and the packet
// is still delivered.
const defaultRecoveryWindow = 64

// Transport abstracts a bound UDP socket; net.PacketConn satisfies it.
// Re-exported from applemidi so callers need only import this package.
type Transport = applemidi.Transport

// ReceiveFunc is the user-supplied callback invoked once per decoded
// MIDI message, including those the journal reconstructs.
type ReceiveFunc func(peer *rtp.Peer, msg midi.Message)

// peerJournals is the per-peer recovery state: the outgoing recovery
// journal plus the running-status byte and SysEx-open flag carried
// across received packets. It rides in rtp.Peer.Cookie rather than as
// fields on Peer itself, since package rtp deliberately keeps journal
// concerns one layer up (see rtp.Peer's doc comment).
type peerJournals struct {
	controlAddr net.Addr
	out         *journal.Journal

	// lastStatus is the running-status byte from the peer's previous
	// packet; sysexOpen records that the previous packet ended inside
	// an unterminated SysEx, which has no status byte of its own to
	// carry in lastStatus.
	lastStatus byte
	sysexOpen  bool

	lastAcked uint16
	haveAcked bool
}

// Session is one driver instance bound to a pair of UDP sockets.
type Session struct {
	ctrl     *applemidi.Controller
	data     Transport
	registry *rtp.Registry

	ssrc         uint32
	origin       time.Time
	haveOrigin   bool
	samplingRate uint32

	journalling    bool
	recoveryWindow uint16
	outbox         []midi.Message

	onReceive ReceiveFunc
}

// New constructs a Session bound to the given control and data
// transports, a local display name advertised during invitations, and
// a sampling rate used to convert wall-clock time into RTP timestamp
// ticks. diag receives AppleMIDI-layer diagnostics (invite failures,
// malformed datagrams, stray packets); it may be nil.
func New(control, data Transport, localName string, samplingRate uint32, diag applemidi.Diagnostics) *Session {
	if samplingRate == 0 {
		samplingRate = defaultSamplingRate
	}
	ssrc := rand.Uint32()
	cfg := applemidi.DefaultConfig()
	cfg.SessionName = localName

	s := &Session{
		data:         data,
		registry:     rtp.NewRegistry(),
		ssrc:         ssrc,
		samplingRate: samplingRate,
		journalling:  true,

		recoveryWindow: defaultRecoveryWindow,
	}
	s.ctrl = applemidi.NewController(control, data, ssrc, cfg, diag)
	s.ctrl.OnRTP = s.handleRTP
	s.ctrl.OnFeedback = s.handleFeedback
	s.ctrl.OnPeerEstablished = s.handleEstablished
	s.ctrl.OnPeerRemoved = s.handleRemoved
	s.ctrl.OnSyncOffset = s.handleSyncOffset
	return s
}

// SSRC reports this session's locally assigned synchronization source.
func (s *Session) SSRC() uint32 { return s.ssrc }

// Peers returns a snapshot of the currently established peers; it is
// unaffected by concurrent peer arrival or removal.
func (s *Session) Peers() []*rtp.Peer { return s.registry.Snapshot() }

// SetJournalling turns the recovery journal suffix on outgoing packets
// on or off. It defaults to on.
func (s *Session) SetJournalling(on bool) { s.journalling = on }

// SetRecoveryWindow changes the largest incoming sequence gap the
// journal will be asked to bridge. Gaps beyond it skip reconstruction
// but still deliver the packet's own commands.
func (s *Session) SetRecoveryWindow(n uint16) { s.recoveryWindow = n }

// OnReceive registers the callback fired for every decoded MIDI
// message.
func (s *Session) OnReceive(cb ReceiveFunc) { s.onReceive = cb }

// AddPeer begins the invitation handshake with a peer at the given
// control and data addresses. The peer is not added to the RTP
// registry until the handshake completes; see handleEstablished.
func (s *Session) AddPeer(controlAddr, dataAddr net.Addr, now time.Time) error {
	return s.ctrl.Invite(controlAddr, dataAddr, now)
}

// RemovePeer sends BY to the peer at controlAddr and removes it from
// both the AppleMIDI controller and the RTP registry immediately,
// regardless of whether the remote acknowledges.
func (s *Session) RemovePeer(controlAddr net.Addr, now time.Time) error {
	return s.ctrl.Close(controlAddr, now)
}

// SendMessage enqueues msg for the next PollSend call. Messages are
// preserved FIFO and broadcast to every established peer: one queued
// batch becomes one outgoing packet per peer.
func (s *Session) SendMessage(msg midi.Message) error {
	if len(s.outbox) >= maxOutboxLen {
		return errs.New(errs.Overflow, "session.Session.SendMessage", nil)
	}
	s.outbox = append(s.outbox, msg)
	return nil
}

// PollReceive reads one pending datagram from each socket and drives
// the AppleMIDI state machine and, for RTP datagrams, this session's
// own decode/journal/deliver pipeline.
func (s *Session) PollReceive(now time.Time) error {
	return s.ctrl.PollReceive(now)
}

// Tick fires scheduled syncs and invitation retries, and sends an idle
// keep-alive to any established peer that has gone one sync interval
// without an outgoing RTP packet: an empty MIDI list carrying the
// current journal, so the peer's recovery window does not go stale on
// a silent link.
func (s *Session) Tick(now time.Time) {
	s.ctrl.Tick(now)
	for _, p := range s.registry.Snapshot() {
		pj := s.journalsFor(p)
		if pj.controlAddr == nil {
			continue
		}
		// Acknowledge the highest fully processed sequence so the peer
		// can truncate its journal; re-sent only when it has advanced.
		if p.HaveRecvSeq && (!pj.haveAcked || pj.lastAcked != p.RecvSeq) {
			if err := s.ctrl.SendFeedback(pj.controlAddr, p.RecvSeq, now); err == nil {
				pj.lastAcked = p.RecvSeq
				pj.haveAcked = true
			}
		}
		if s.ctrl.NeedsKeepAlive(pj.controlAddr, now) {
			s.sendKeepAlive(p, pj, now)
		}
	}
}

func (s *Session) sendKeepAlive(p *rtp.Peer, pj *peerJournals, now time.Time) {
	var journalBytes []byte
	if s.journalling && !pj.out.Empty() {
		if jb, err := journal.Encode(pj.out, true); err == nil {
			journalBytes = jb
		}
	}
	payload, err := rtpmidi.Encode(nil, journalBytes)
	if err != nil {
		return
	}
	wire, err := rtp.Encode(rtp.Packet{
		PayloadType:    rtpMidiPayloadType,
		SequenceNumber: p.NextSendSeq(),
		Timestamp:      s.timestamp(now),
		SSRC:           s.ssrc,
		Payload:        payload,
	})
	if err != nil {
		return
	}
	if _, err := s.data.WriteTo(wire, p.Addr); err == nil {
		s.ctrl.NoteSend(pj.controlAddr, now)
	}
}

// timestamp converts now into this session's sampling-rate ticks,
// latching the first call as the epoch.
func (s *Session) timestamp(now time.Time) uint32 {
	if !s.haveOrigin {
		s.origin = now
		s.haveOrigin = true
	}
	elapsed := now.Sub(s.origin).Seconds()
	return uint32(elapsed * float64(s.samplingRate))
}

// PollSend packetizes the outbound queue and writes up to one RTP
// packet per registered peer. The queue is consumed once per call, not
// once per peer: every established peer receives the same batch of
// messages in the same packet, journaled against that peer's own send
// sequence number.
func (s *Session) PollSend(now time.Time) error {
	if len(s.outbox) == 0 {
		return nil
	}
	batch := s.outbox
	s.outbox = nil
	ts := s.timestamp(now)

	var firstErr error
	for _, p := range s.registry.Snapshot() {
		if err := s.sendTo(p, batch, ts, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Session) sendTo(p *rtp.Peer, batch []midi.Message, ts uint32, now time.Time) error {
	pj := s.journalsFor(p)
	seq := p.NextSendSeq()

	commands := make([]rtpmidi.Command, len(batch))
	for i, m := range batch {
		pj.out.Update(seq, m)
		commands[i] = rtpmidi.Command{Message: m}
	}

	var journalBytes []byte
	if s.journalling && !pj.out.Empty() {
		if jb, err := journal.Encode(pj.out, true); err == nil {
			journalBytes = jb
		}
	}

	payload, err := rtpmidi.Encode(commands, journalBytes)
	if err != nil {
		return err
	}
	wire, err := rtp.Encode(rtp.Packet{
		PayloadType:    rtpMidiPayloadType,
		SequenceNumber: seq,
		Timestamp:      ts,
		SSRC:           s.ssrc,
		Payload:        payload,
	})
	if err != nil {
		return err
	}
	if _, err := s.data.WriteTo(wire, p.Addr); err != nil {
		return errs.Newf(errs.Io, "session.Session.PollSend", "write to %s: %v", p.Addr, err)
	}
	if pj.controlAddr != nil {
		s.ctrl.NoteSend(pj.controlAddr, now)
	}
	return nil
}

// handleRTP is wired as the AppleMIDI controller's OnRTP hook: it
// receives every data-socket datagram that did not carry the
// AppleMIDI signature.
func (s *Session) handleRTP(buf []byte, from net.Addr) {
	pkt, err := rtp.Decode(buf)
	if err != nil {
		return
	}
	p, ok := s.registry.FindBySSRC(pkt.SSRC)
	if !ok {
		// An unregistered SSRC: the caller may choose to invite this
		// address, but this session has no diagnostics channel for
		// RTP-level events (only AppleMIDI's Diagnostics is wired), so
		// the packet is simply dropped.
		return
	}
	pj := s.journalsFor(p)

	gap := int16(1)
	if p.HaveRecvSeq {
		gap = rtp.SequenceDiff(pkt.SequenceNumber, p.RecvSeq)
	}
	inOrder, _ := p.Observe(pkt.SequenceNumber)

	carried := pj.lastStatus
	if pj.sysexOpen {
		carried = 0xf0
	}
	section, err := rtpmidi.Decode(pkt.Payload, carried)
	if err != nil {
		return
	}

	// A gap wider than the recovery window is a BadSequence condition:
	// reconstruction is skipped, the packet itself still delivers.
	withinWindow := gap > 1 && uint16(gap) <= s.recoveryWindow
	if !inOrder && withinWindow && len(section.Journal) > 0 {
		if jrnl, jerr := journal.Decode(section.Journal); jerr == nil {
			for _, m := range journal.Reconstruct(jrnl) {
				s.deliver(p, m)
			}
		}
		// A malformed journal is ignored; the packet's own commands
		// are still delivered below.
	}

	for _, c := range section.Commands {
		// SysEx continuation fragments report status 0x00; only a real
		// status byte may become the running-status carry.
		if st := c.Message.Status(); st&0x80 != 0 {
			pj.lastStatus = st
		}
		s.deliver(p, c.Message)
	}
	// A command-less section (a keep-alive) says nothing about an open
	// SysEx, so the flag is only updated when commands were decoded.
	if len(section.Commands) > 0 {
		pj.sysexOpen = section.SysExOpen
	}
}

func (s *Session) deliver(p *rtp.Peer, msg midi.Message) {
	if s.onReceive != nil {
		s.onReceive(p, msg)
	}
}

func (s *Session) handleFeedback(controlAddr net.Addr, seq uint32) {
	if p := s.findByControlAddr(controlAddr); p != nil {
		s.journalsFor(p).out.Truncate(uint16(seq))
	}
}

func (s *Session) handleEstablished(controlAddr, dataAddr net.Addr, remoteSSRC uint32) {
	p := &rtp.Peer{SSRC: remoteSSRC, Addr: dataAddr}
	p.Cookie = &peerJournals{controlAddr: controlAddr, out: journal.New()}
	// A failed Add (a reinvited peer colliding on SSRC or address) is
	// not reported: there is no RTP-level diagnostics channel, and the
	// peer is simply left without a registry entry of its own.
	_ = s.registry.Add(p)
}

func (s *Session) handleSyncOffset(dataAddr net.Addr, offset int64) {
	if p, ok := s.registry.FindByAddr(dataAddr); ok {
		p.TimestampDiff = offset
	}
}

func (s *Session) handleRemoved(controlAddr net.Addr) {
	if p := s.findByControlAddr(controlAddr); p != nil {
		s.registry.Remove(p)
	}
}

func (s *Session) findByControlAddr(controlAddr net.Addr) *rtp.Peer {
	key := controlAddr.String()
	for _, p := range s.registry.Snapshot() {
		if pj, ok := p.Cookie.(*peerJournals); ok && pj.controlAddr != nil && pj.controlAddr.String() == key {
			return p
		}
	}
	return nil
}

func (s *Session) journalsFor(p *rtp.Peer) *peerJournals {
	pj, ok := p.Cookie.(*peerJournals)
	if !ok {
		pj = &peerJournals{out: journal.New()}
		p.Cookie = pj
	}
	return pj
}
