// Package sender tracks the remote senders of a voice session: which user an
// SSRC belongs to and whether its packets arrive in order.
//
// A Registry has a single writer, the inbound demultiplexer, and is not safe
// for concurrent use.
package sender

import (
	"time"

	"github.com/diamondburned/arikawa-voice/discord"
	"github.com/diamondburned/arikawa-voice/voice/rtp"
)

// Verdict is the result of checking an inbound packet's sequence number.
type Verdict uint8

const (
	// Accept means the packet is the next one, or close enough.
	Accept Verdict = iota
	// Discontinuity means the packet is newer but too many packets are
	// missing before it; the decoder is reset when it is committed.
	Discontinuity
	// Stale means the packet is a duplicate or older than the last one.
	Stale
	// Unknown means no user is known for the SSRC yet.
	Unknown
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Discontinuity:
		return "discontinuity"
	case Stale:
		return "stale"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Decoder turns one received payload into one frame for the consumer. It
// holds whatever continuity state the codec needs.
type Decoder interface {
	Decode(payload []byte) ([]byte, error)
}

// Sender is the state kept for one remote SSRC.
type Sender struct {
	SSRC   uint32
	UserID discord.UserID
	// Decoder is nil if the registry has no decoder factory.
	Decoder Decoder

	lastSeq  uint16
	hasSeq   bool
	lastSeen time.Time
}

// LastSequence returns the last committed sequence number. ok is false if
// nothing has been committed yet.
func (s *Sender) LastSequence() (seq uint16, ok bool) {
	return s.lastSeq, s.hasSeq
}

// Opts configures a Registry. Zero fields take their defaults.
type Opts struct {
	// GapThreshold is how many packets may go missing before a newer packet
	// is flagged as a discontinuity.
	GapThreshold int
	// BufferPackets is the number of datagrams kept per unknown SSRC.
	BufferPackets int
	// BufferSSRCs is the number of unknown SSRCs buffered at once.
	BufferSSRCs int
	// BufferTTL is how long datagrams of an unknown SSRC are kept.
	BufferTTL time.Duration
	// NewDecoder creates the decoder of a new sender and replaces it after a
	// discontinuity.
	NewDecoder func() Decoder
	// Now returns the current time.
	Now func() time.Time
}

// DefaultOpts returns the default registry options.
func DefaultOpts() Opts {
	return Opts{
		GapThreshold:  5,
		BufferPackets: 8,
		BufferSSRCs:   32,
		BufferTTL:     time.Second,
		Now:           time.Now,
	}
}

// Registry maps SSRCs to users and tracks per-sender continuity.
type Registry struct {
	opts Opts

	senders map[uint32]*Sender
	users   map[discord.UserID]uint32
	pending map[uint32]*pending
}

type pending struct {
	since     time.Time
	datagrams [][]byte
}

// NewRegistry creates a Registry. A nil opts uses DefaultOpts.
func NewRegistry(opts *Opts) *Registry {
	o := DefaultOpts()
	if opts != nil {
		if opts.GapThreshold > 0 {
			o.GapThreshold = opts.GapThreshold
		}
		if opts.BufferPackets > 0 {
			o.BufferPackets = opts.BufferPackets
		}
		if opts.BufferSSRCs > 0 {
			o.BufferSSRCs = opts.BufferSSRCs
		}
		if opts.BufferTTL > 0 {
			o.BufferTTL = opts.BufferTTL
		}
		if opts.Now != nil {
			o.Now = opts.Now
		}
		o.NewDecoder = opts.NewDecoder
	}

	return &Registry{
		opts:    o,
		senders: make(map[uint32]*Sender),
		users:   make(map[discord.UserID]uint32),
		pending: make(map[uint32]*pending),
	}
}

// Len returns the number of known senders.
func (r *Registry) Len() int { return len(r.senders) }

// Lookup returns the sender for ssrc.
func (r *Registry) Lookup(ssrc uint32) (*Sender, bool) {
	s, ok := r.senders[ssrc]
	return s, ok
}

// LookupUser returns the sender of the given user.
func (r *Registry) LookupUser(user discord.UserID) (*Sender, bool) {
	ssrc, ok := r.users[user]
	if !ok {
		return nil, false
	}
	return r.Lookup(ssrc)
}

// Speaking records that ssrc belongs to user. A user has at most one SSRC and
// an SSRC at most one user, so stale mappings on either side are dropped. The
// datagrams buffered for ssrc while it was unknown are returned in arrival
// order.
func (r *Registry) Speaking(ssrc uint32, user discord.UserID) [][]byte {
	if s, ok := r.senders[ssrc]; ok && s.UserID == user {
		return r.flush(ssrc)
	}

	if old, ok := r.users[user]; ok {
		delete(r.senders, old)
	}
	if s, ok := r.senders[ssrc]; ok {
		delete(r.users, s.UserID)
	}

	s := &Sender{
		SSRC:     ssrc,
		UserID:   user,
		lastSeen: r.opts.Now(),
	}
	if r.opts.NewDecoder != nil {
		s.Decoder = r.opts.NewDecoder()
	}

	r.senders[ssrc] = s
	r.users[user] = ssrc

	return r.flush(ssrc)
}

func (r *Registry) flush(ssrc uint32) [][]byte {
	p, ok := r.pending[ssrc]
	if !ok {
		return nil
	}

	delete(r.pending, ssrc)

	if r.opts.Now().Sub(p.since) > r.opts.BufferTTL {
		return nil
	}

	return p.datagrams
}

// Check classifies a packet by its sequence number without changing any
// state. Only packets that pass decryption should be committed.
func (r *Registry) Check(ssrc uint32, seq uint16) Verdict {
	s, ok := r.senders[ssrc]
	if !ok {
		return Unknown
	}

	return r.verdict(s, seq)
}

func (r *Registry) verdict(s *Sender, seq uint16) Verdict {
	if !s.hasSeq {
		return Accept
	}

	delta := rtp.SequenceDelta(seq, s.lastSeq)
	switch {
	case delta <= 0:
		return Stale
	case delta-1 > r.opts.GapThreshold:
		return Discontinuity
	default:
		return Accept
	}
}

// Commit records seq as the sender's latest packet and returns the verdict it
// was committed under. A Discontinuity replaces the sender's decoder.
func (r *Registry) Commit(ssrc uint32, seq uint16) (*Sender, Verdict) {
	s, ok := r.senders[ssrc]
	if !ok {
		return nil, Unknown
	}

	v := r.verdict(s, seq)
	switch v {
	case Stale:
		return s, v
	case Discontinuity:
		if r.opts.NewDecoder != nil {
			s.Decoder = r.opts.NewDecoder()
		}
	}

	s.lastSeq = seq
	s.hasSeq = true
	s.lastSeen = r.opts.Now()

	return s, v
}

// Buffer holds a datagram of an unknown SSRC until Speaking names its user.
// The oldest datagram of a full queue is dropped, and so is the oldest queue
// when too many SSRCs are pending. It returns false if ssrc is already known.
func (r *Registry) Buffer(ssrc uint32, datagram []byte) bool {
	if _, ok := r.senders[ssrc]; ok {
		return false
	}

	now := r.opts.Now()

	p, ok := r.pending[ssrc]
	if ok && now.Sub(p.since) > r.opts.BufferTTL {
		delete(r.pending, ssrc)
		ok = false
	}

	if !ok {
		if len(r.pending) >= r.opts.BufferSSRCs {
			r.evictOldest()
		}
		p = &pending{since: now}
		r.pending[ssrc] = p
	}

	if len(p.datagrams) >= r.opts.BufferPackets {
		copy(p.datagrams, p.datagrams[1:])
		p.datagrams = p.datagrams[:len(p.datagrams)-1]
	}

	p.datagrams = append(p.datagrams, datagram)
	return true
}

func (r *Registry) evictOldest() {
	var (
		oldest uint32
		since  time.Time
		found  bool
	)

	for ssrc, p := range r.pending {
		if !found || p.since.Before(since) {
			oldest, since, found = ssrc, p.since, true
		}
	}

	if found {
		delete(r.pending, oldest)
	}
}

// Pending returns the number of SSRCs with buffered datagrams.
func (r *Registry) Pending() int { return len(r.pending) }

// Expire drops buffered datagrams older than the buffer TTL.
func (r *Registry) Expire() {
	now := r.opts.Now()

	for ssrc, p := range r.pending {
		if now.Sub(p.since) > r.opts.BufferTTL {
			delete(r.pending, ssrc)
		}
	}
}

// RemoveUser forgets the user's sender. It returns the SSRC that was removed.
func (r *Registry) RemoveUser(user discord.UserID) (uint32, bool) {
	ssrc, ok := r.users[user]
	if !ok {
		return 0, false
	}

	delete(r.users, user)
	delete(r.senders, ssrc)
	delete(r.pending, ssrc)

	return ssrc, true
}

// Reset forgets everything.
func (r *Registry) Reset() {
	r.senders = make(map[uint32]*Sender)
	r.users = make(map[discord.UserID]uint32)
	r.pending = make(map[uint32]*pending)
}
