package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"parking-service/internal/domain/parking"
)

// MemoryStore keeps sessions in process memory. It backs tests and the
// "memory" database driver.
type MemoryStore struct {
	plates *keyedMutex

	mu       sync.RWMutex
	nextID   int64
	sessions map[int64]*parking.Session
	active   map[string]int64
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plates:   newKeyedMutex(),
		sessions: make(map[int64]*parking.Session),
		active:   make(map[string]int64),
		now:      time.Now,
	}
}

func (m *MemoryStore) Transition(ctx context.Context, plate string, fn TransitionFunc) (*parking.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := m.plates.Lock(plate)
	defer unlock()

	var current *parking.Session
	m.mu.RLock()
	if id, ok := m.active[plate]; ok {
		current = cloneSession(m.sessions[id])
	}
	m.mu.RUnlock()

	next, err := fn(current)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(next)
}

func (m *MemoryStore) Update(ctx context.Context, id int64, fn UpdateFunc) (*parking.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	s := cloneSession(stored)
	if err := fn(s); err != nil {
		return nil, err
	}
	return m.saveLocked(s)
}

func (m *MemoryStore) saveLocked(s *parking.Session) (*parking.Session, error) {
	now := m.now()
	if s.ID == 0 {
		if s.Status == parking.StatusActive {
			if _, exists := m.active[s.LicensePlate]; exists {
				return nil, ErrActiveConflict
			}
		}
		m.nextID++
		s.ID = m.nextID
		s.CreatedAt = now
	} else if _, ok := m.sessions[s.ID]; !ok {
		return nil, ErrNotFound
	}
	s.UpdatedAt = now

	stored := cloneSession(s)
	m.sessions[s.ID] = stored
	if stored.Status == parking.StatusActive {
		m.active[stored.LicensePlate] = stored.ID
	} else if id, ok := m.active[stored.LicensePlate]; ok && id == stored.ID {
		delete(m.active, stored.LicensePlate)
	}
	return cloneSession(stored), nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id int64) (*parking.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSession(s), nil
}

func (m *MemoryStore) ListActive(ctx context.Context) ([]parking.Session, error) {
	out := m.collect(func(s *parking.Session) bool {
		return s.Status == parking.StatusActive
	})
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.After(out[j].EntryTime) })
	return out, nil
}

func (m *MemoryStore) ListUnpaid(ctx context.Context) ([]parking.Session, error) {
	out := m.collect(func(s *parking.Session) bool {
		return s.Status == parking.StatusCompleted && s.PaymentStatus == parking.PaymentUnpaid
	})
	sortByExitDesc(out)
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, filter parking.HistoryFilter) ([]parking.Session, int64, error) {
	plate := strings.ToUpper(filter.Plate)
	out := m.collect(func(s *parking.Session) bool {
		if s.Status != parking.StatusCompleted {
			return false
		}
		if plate != "" && !strings.Contains(s.LicensePlate, plate) {
			return false
		}
		if filter.PaymentStatus != "" && s.PaymentStatus != filter.PaymentStatus {
			return false
		}
		if filter.From != nil && s.ExitTime.Time.Before(*filter.From) {
			return false
		}
		if filter.To != nil && !s.ExitTime.Time.Before(*filter.To) {
			return false
		}
		return true
	})
	sortByExitDesc(out)

	page, limit := normalizePage(filter.Page, filter.Limit)
	total := int64(len(out))
	start := (page - 1) * limit
	if start >= len(out) {
		return []parking.Session{}, total, nil
	}
	end := min(start+limit, len(out))
	return out[start:end], total, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) collect(keep func(*parking.Session) bool) []parking.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]parking.Session, 0)
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, *cloneSession(s))
		}
	}
	return out
}

func sortByExitDesc(sessions []parking.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ExitTime.Time.Equal(sessions[j].ExitTime.Time) {
			return sessions[i].ID > sessions[j].ID
		}
		return sessions[i].ExitTime.Time.After(sessions[j].ExitTime.Time)
	})
}

func cloneSession(s *parking.Session) *parking.Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.FeeBreakdown != nil {
		b := *s.FeeBreakdown
		c.FeeBreakdown = &b
	}
	return &c
}
