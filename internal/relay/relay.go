// Package relay keeps the most recent frame of every camera source and
// hands it out to any number of viewers.
//
// Each source owns one slot guarded by its own lock. A publish swaps the
// slot's buffer in place; readers get either the old buffer or the new one.
// Frame buffers are never mutated after publish, so readers may share them.
package relay

import (
	"errors"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultStaleAfter = 10 * time.Second
	DefaultPace       = time.Second / 30
)

var (
	ErrInvalidSource = errors.New("invalid source id")
	ErrEmptyFrame    = errors.New("empty frame")
)

var sourcePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidSource reports whether id can name a camera source.
func ValidSource(id string) bool {
	return sourcePattern.MatchString(id)
}

type Config struct {
	// StaleAfter is how long a frame counts as live. Zero disables expiry.
	StaleAfter time.Duration
	// Pace is the delay between two frames of a subscription.
	Pace time.Duration
	// SpoolDir, when set, mirrors every frame to <dir>/<source>.jpg.
	SpoolDir string
}

type Option func(*Relay)

// WithClock replaces time.Now for staleness checks.
func WithClock(now func() time.Time) Option {
	return func(r *Relay) { r.now = now }
}

type Relay struct {
	slots sync.Map // source id -> *slot

	staleAfter time.Duration
	pace       time.Duration
	spool      *spool
	now        func() time.Time
	log        zerolog.Logger

	published   atomic.Uint64
	spoolErrors atomic.Uint64
	subscribers atomic.Int64
}

type slot struct {
	mu    sync.RWMutex
	frame []byte
	at    time.Time
	seq   uint64

	spoolMu  sync.Mutex
	spoolSeq uint64
}

func New(cfg Config, log zerolog.Logger, opts ...Option) (*Relay, error) {
	if cfg.Pace <= 0 {
		cfg.Pace = DefaultPace
	}
	if cfg.StaleAfter < 0 {
		cfg.StaleAfter = 0
	}

	r := &Relay{
		staleAfter: cfg.StaleAfter,
		pace:       cfg.Pace,
		now:        time.Now,
		log:        log.With().Str("component", "relay").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	if cfg.SpoolDir != "" {
		sp, err := newSpool(cfg.SpoolDir)
		if err != nil {
			return nil, err
		}
		r.spool = sp
	}
	return r, nil
}

// Publish replaces the frame of source. The relay takes ownership of
// data; the caller must not modify it afterwards.
func (r *Relay) Publish(source string, data []byte) error {
	if !ValidSource(source) {
		return ErrInvalidSource
	}
	if len(data) == 0 {
		return ErrEmptyFrame
	}

	v, _ := r.slots.LoadOrStore(source, &slot{})
	s := v.(*slot)

	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.frame = data
	s.at = r.now()
	s.mu.Unlock()

	r.published.Add(1)

	if r.spool != nil {
		r.mirror(source, s, seq, data)
	}
	return nil
}

// mirror writes the frame to disk outside the slot lock. Older frames
// that lose the race to a newer one are skipped.
func (r *Relay) mirror(source string, s *slot, seq uint64, data []byte) {
	s.spoolMu.Lock()
	defer s.spoolMu.Unlock()

	if seq <= s.spoolSeq {
		return
	}
	if err := r.spool.write(source, data); err != nil {
		r.spoolErrors.Add(1)
		r.log.Warn().Err(err).Str("source", source).Msg("failed to spool frame")
		return
	}
	s.spoolSeq = seq
}

// Latest returns the current frame of source. A source that never
// published, or whose frame is older than the staleness threshold, has no
// frame.
func (r *Relay) Latest(source string) ([]byte, bool) {
	v, ok := r.slots.Load(source)
	if !ok {
		return nil, false
	}
	s := v.(*slot)

	s.mu.RLock()
	frame, at := s.frame, s.at
	s.mu.RUnlock()

	if frame == nil || r.stale(at) {
		return nil, false
	}
	return frame, true
}

func (r *Relay) stale(at time.Time) bool {
	return r.staleAfter > 0 && r.now().Sub(at) > r.staleAfter
}

type SourceInfo struct {
	ID            string    `json:"id"`
	LastPublished time.Time `json:"last_published"`
	Frames        uint64    `json:"frames"`
	Bytes         int       `json:"bytes"`
	Live          bool      `json:"live"`
}

// Sources lists every source that has published, sorted by id.
func (r *Relay) Sources() []SourceInfo {
	out := make([]SourceInfo, 0)
	r.slots.Range(func(key, value interface{}) bool {
		s := value.(*slot)

		s.mu.RLock()
		info := SourceInfo{
			ID:            key.(string),
			LastPublished: s.at,
			Frames:        s.seq,
			Bytes:         len(s.frame),
		}
		s.mu.RUnlock()

		info.Live = !r.stale(info.LastPublished)
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type Stats struct {
	Published   uint64 `json:"published"`
	SpoolErrors uint64 `json:"spool_errors"`
	Subscribers int64  `json:"subscribers"`
	Sources     int    `json:"sources"`
}

func (r *Relay) Stats() Stats {
	sources := 0
	r.slots.Range(func(_, _ interface{}) bool {
		sources++
		return true
	})
	return Stats{
		Published:   r.published.Load(),
		SpoolErrors: r.spoolErrors.Load(),
		Subscribers: r.subscribers.Load(),
		Sources:     sources,
	}
}
