package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription is one viewer's paced, endless sequence of frames.
// It is not safe for concurrent use.
type Subscription struct {
	relay  *Relay
	source string
	log    zerolog.Logger

	last    []byte
	started bool
	absent  bool
	closed  bool
	once    sync.Once
}

// Subscribe starts a frame sequence for source. The caller must Close it.
func (r *Relay) Subscribe(source string) (*Subscription, error) {
	if !ValidSource(source) {
		return nil, ErrInvalidSource
	}
	r.subscribers.Add(1)
	return &Subscription{
		relay:  r,
		source: source,
		log:    r.log.With().Str("source", source).Logger(),
	}, nil
}

// Next waits one pacing interval (except on the first call) and returns
// the latest frame. While the source has no live frame it keeps returning
// the last frame this subscription produced; before any frame was seen it
// keeps waiting. Next only fails when ctx ends or the subscription is
// closed.
func (s *Subscription) Next(ctx context.Context) ([]byte, error) {
	if s.closed {
		return nil, ErrSubscriptionClosed
	}

	if s.started {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
	s.started = true

	for {
		if frame, ok := s.relay.Latest(s.source); ok {
			if s.absent {
				s.log.Info().Msg("source is live again")
				s.absent = false
			}
			s.last = frame
			return frame, nil
		}

		if !s.absent {
			s.absent = true
			s.log.Warn().Bool("has_fallback", s.last != nil).Msg("no live frame for source")
		}
		if s.last != nil {
			return s.last, nil
		}
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *Subscription) wait(ctx context.Context) error {
	timer := time.NewTimer(s.relay.pace)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.closed = true
		s.last = nil
		s.relay.subscribers.Add(-1)
	})
}
