package rtp

import (
	"net"
	"sync"

	"github.com/mgsx-dev/midikit/errs"
)

// Peer is the Peer Registry's record of one remote participant.
// Journal handles and any other per-peer cookie live one layer up,
// attached by the session, since this package only owns RTP framing
// concerns (SSRC, address, sequence/timestamp bookkeeping).
type Peer struct {
	SSRC    uint32
	Addr    net.Addr
	Cookie  any

	// SendSeq is the next sequence number to assign on transmission;
	// it increases by exactly one per outgoing packet and wraps
	// modulo 2^16.
	SendSeq uint16

	// RecvSeq and HaveRecvSeq track the highest sequence number
	// observed from this peer, used to classify incoming packets as
	// in-order, duplicate or out of order.
	RecvSeq    uint16
	HaveRecvSeq bool

	// TimestampDiff is peer_clock - our_clock as established by the
	// most recent completed sync exchange.
	TimestampDiff int64
}

// NextSendSeq returns the sequence number to use for the next outgoing
// packet to this peer and advances the counter.
func (p *Peer) NextSendSeq() uint16 {
	s := p.SendSeq
	p.SendSeq++
	return s
}

// Observe records an incoming sequence number, reporting whether it was
// the expected next packet (no gap), and whether it was a duplicate or
// stale retransmission.
func (p *Peer) Observe(seq uint16) (inOrder, duplicateOrOld bool) {
	if !p.HaveRecvSeq {
		p.HaveRecvSeq = true
		p.RecvSeq = seq
		return true, false
	}
	diff := SequenceDiff(seq, p.RecvSeq)
	switch {
	case diff == 1:
		p.RecvSeq = seq
		return true, false
	case diff > 1:
		p.RecvSeq = seq
		return false, false
	default:
		return false, true
	}
}

func addrKey(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Registry is the Peer Registry: add, remove, find by SSRC or address,
// and snapshot iteration that is stable across concurrent mutation,
// indexed by both SSRC and address with duplicate checks on each.
type Registry struct {
	mu      sync.RWMutex
	bySSRC  map[uint32]*Peer
	byAddr  map[string]*Peer
	order   []*Peer
}

func NewRegistry() *Registry {
	return &Registry{
		bySSRC: make(map[uint32]*Peer),
		byAddr: make(map[string]*Peer),
	}
}

// Add inserts p, failing with errs.DuplicateSSRC or errs.DuplicateAddress
// if either already has an entry.
func (r *Registry) Add(p *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySSRC[p.SSRC]; ok {
		return errs.Newf(errs.DuplicateSSRC, "rtp.Registry.Add", "ssrc %#x already registered", p.SSRC)
	}
	key := addrKey(p.Addr)
	if _, ok := r.byAddr[key]; ok && key != "" {
		return errs.Newf(errs.DuplicateAddress, "rtp.Registry.Add", "address %s already registered", key)
	}

	r.bySSRC[p.SSRC] = p
	if key != "" {
		r.byAddr[key] = p
	}
	r.order = append(r.order, p)
	return nil
}

// Remove deletes p from the registry. It is a no-op if p is not
// present (for example, removed twice).
func (r *Registry) Remove(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bySSRC, p.SSRC)
	delete(r.byAddr, addrKey(p.Addr))
	for i, q := range r.order {
		if q == p {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) FindBySSRC(ssrc uint32) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.bySSRC[ssrc]
	return p, ok
}

func (r *Registry) FindByAddr(addr net.Addr) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byAddr[addrKey(addr)]
	return p, ok
}

// Snapshot returns a stable copy of the current peer list; iterating it
// is unaffected by concurrent Add/Remove calls.
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, len(r.order))
	copy(out, r.order)
	return out
}

// Len reports the current number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
