// Package detectionlog keeps a bounded history of plate detections, oldest
// first.
package detectionlog

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"parking-service/internal/domain/parking"
)

const DefaultCapacity = 200

// Releaser frees an image that is no longer referenced by any record.
type Releaser interface {
	Release(ctx context.Context, ref string) error
}

type Log struct {
	mu     sync.Mutex
	buf    []parking.DetectionRecord
	head   int // index of the next write
	size   int
	total  int64
	images Releaser
	log    zerolog.Logger
}

func New(capacity int, images Releaser, log zerolog.Logger) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		buf:    make([]parking.DetectionRecord, capacity),
		images: images,
		log:    log.With().Str("component", "detection_log").Logger(),
	}
}

// Append records rec, evicting the oldest record when full. The evicted
// record's image is released before Append returns.
func (l *Log) Append(ctx context.Context, rec parking.DetectionRecord) {
	l.mu.Lock()
	var evicted string
	if l.size == len(l.buf) {
		evicted = l.buf[l.head].Image
	} else {
		l.size++
	}
	l.buf[l.head] = rec
	l.head = (l.head + 1) % len(l.buf)
	l.total++
	l.mu.Unlock()

	if evicted == "" || l.images == nil {
		return
	}
	if err := l.images.Release(ctx, evicted); err != nil {
		l.log.Warn().
			Err(err).
			Str("image", evicted).
			Msg("failed to release evicted detection image")
	}
}

// Latest returns the most recent record.
func (l *Log) Latest() (parking.DetectionRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.size == 0 {
		return parking.DetectionRecord{}, false
	}
	return l.buf[l.index(0)], true
}

// Snapshot returns the newest limit records in append order, so the most
// recent record is last. limit <= 0 returns all.
func (l *Log) Snapshot(limit int) []parking.DetectionRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]parking.DetectionRecord, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = l.buf[l.index(i)]
	}
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Total counts every record ever appended, evicted ones included.
func (l *Log) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

func (l *Log) Capacity() int { return len(l.buf) }

// index maps age (0 = newest) to a buffer slot. Caller holds mu.
func (l *Log) index(age int) int {
	return (l.head - 1 - age + 2*len(l.buf)) % len(l.buf)
}
