package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"parking-service/internal/barrier"
	"parking-service/internal/domain/parking"
	"parking-service/internal/repository"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingSink struct {
	mu      sync.Mutex
	records []parking.DetectionRecord
}

func (s *recordingSink) Append(_ context.Context, rec parking.DetectionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type memImages struct {
	mu       sync.Mutex
	next     int
	stored   map[string][]byte
	released []string
	failPut  bool
}

func newMemImages() *memImages {
	return &memImages{stored: make(map[string][]byte)}
}

func (m *memImages) Put(_ context.Context, bucket string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return "", errors.New("disk full")
	}
	m.next++
	ref := fmt.Sprintf("%s.%d", bucket, m.next)
	m.stored[ref] = data
	return ref, nil
}

func (m *memImages) Release(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stored, ref)
	m.released = append(m.released, ref)
	return nil
}

type recordingBarrier struct {
	mu   sync.Mutex
	cmds []barrier.Command
}

func (b *recordingBarrier) Signal(_ context.Context, cmd barrier.Command) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cmds = append(b.cmds, cmd)
	return nil
}

// failingStore fails every transition.
type failingStore struct {
	*repository.MemoryStore
}

func (failingStore) Transition(context.Context, string, repository.TransitionFunc) (*parking.Session, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	svc     *SessionService
	store   *repository.MemoryStore
	sink    *recordingSink
	images  *memImages
	barrier *recordingBarrier
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   repository.NewMemoryStore(),
		sink:    &recordingSink{},
		images:  newMemImages(),
		barrier: &recordingBarrier{},
		clock:   &fakeClock{now: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)},
	}
	f.svc = NewSessionService(f.store, f.sink, zerolog.Nop(),
		WithImageStore(f.images),
		WithBarrier(f.barrier),
		WithClock(f.clock.Now),
	)
	return f
}

func (f *fixture) detect(t *testing.T, plate string) *parking.DetectionOutcome {
	t.Helper()
	out, err := f.svc.RecordDetection(context.Background(), parking.Detection{
		Plate:      plate,
		Confidence: 0.91,
		Source:     "gate-1",
	})
	if err != nil {
		t.Fatalf("RecordDetection(%q): %v", plate, err)
	}
	return out
}

func TestEntryExitAlternation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.detect(t, " 51a 12345 ")
	if first.EventType != parking.EventEntry || first.Plate != "51A12345" {
		t.Fatalf("first detection = %+v", first)
	}
	if first.Action != parking.ActionOpenBarrier || first.Fee != nil {
		t.Fatalf("entry outcome carries unexpected fields: %+v", first)
	}
	active, _ := f.store.ListActive(ctx)
	if len(active) != 1 {
		t.Fatalf("active sessions after entry = %d", len(active))
	}

	f.clock.Advance(95 * time.Minute)
	second := f.detect(t, "51A12345")
	if second.EventType != parking.EventExit || second.SessionID != first.SessionID {
		t.Fatalf("second detection = %+v", second)
	}
	if *second.DurationMinutes != 95 || *second.Fee != 8000 || second.PaymentStatus != parking.PaymentUnpaid {
		t.Fatalf("exit pricing = %d min, fee %d, %s", *second.DurationMinutes, *second.Fee, second.PaymentStatus)
	}
	if second.FeeBreakdown == nil || second.FeeBreakdown.Total != 8000 {
		t.Fatalf("fee breakdown = %+v", second.FeeBreakdown)
	}
	active, _ = f.store.ListActive(ctx)
	if len(active) != 0 {
		t.Fatalf("active sessions after exit = %d", len(active))
	}

	third := f.detect(t, "51A12345")
	if third.EventType != parking.EventEntry || third.SessionID == first.SessionID {
		t.Fatalf("third detection = %+v", third)
	}

	if f.sink.len() != 3 {
		t.Fatalf("sink received %d records, want 3", f.sink.len())
	}
	if len(f.barrier.cmds) != 3 || f.barrier.cmds[1].Action != barrier.ActionOpen {
		t.Fatalf("barrier commands = %+v", f.barrier.cmds)
	}
}

func TestShortStayIsFree(t *testing.T) {
	f := newFixture(t)

	f.detect(t, "30F99999")
	f.clock.Advance(30*time.Minute + 59*time.Second)
	out := f.detect(t, "30F99999")

	if *out.DurationMinutes != 30 || *out.Fee != 0 || out.PaymentStatus != parking.PaymentFree {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(out.Message, "free") {
		t.Fatalf("message = %q", out.Message)
	}
}

func TestEmptyPlateIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t)

	for _, plate := range []string{"", "   ", "\t\n"} {
		_, err := f.svc.RecordDetection(context.Background(), parking.Detection{Plate: plate, Image: []byte("x")})
		if !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("plate %q: err = %v, want ErrInvalidInput", plate, err)
		}
	}
	if f.sink.len() != 0 || len(f.images.stored) != 0 {
		t.Fatal("invalid detection mutated state")
	}
}

func TestConcurrentDetectionsOfSamePlate(t *testing.T) {
	f := newFixture(t)
	const workers = 32

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		entries int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.RecordDetection(context.Background(), parking.Detection{Plate: "29A00001"})
			if err != nil {
				t.Errorf("RecordDetection: %v", err)
				return
			}
			if out.EventType == parking.EventEntry {
				mu.Lock()
				entries++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Detections alternate strictly, so an even count ends with no session open.
	if entries != workers/2 {
		t.Fatalf("entries = %d, want %d", entries, workers/2)
	}
	active, _ := f.store.ListActive(context.Background())
	if len(active) != 0 {
		t.Fatalf("active sessions = %d, want 0", len(active))
	}
	if f.sink.len() != workers {
		t.Fatalf("sink received %d records", f.sink.len())
	}
}

func TestImagesStoredPerOwner(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.RecordDetection(context.Background(), parking.Detection{
		Plate: "51G11111",
		Image: []byte("jpeg"),
	})
	if err != nil {
		t.Fatalf("RecordDetection: %v", err)
	}

	sess, err := f.svc.Session(context.Background(), out.SessionID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	rec := f.sink.records[0]
	if !sess.EntryImage.Valid || rec.Image == "" || sess.EntryImage.String == rec.Image {
		t.Fatalf("session image %v and record image %q must be distinct refs", sess.EntryImage, rec.Image)
	}
	if len(f.images.stored) != 2 {
		t.Fatalf("stored %d images, want 2", len(f.images.stored))
	}
}

func TestPersistenceFailureReleasesImages(t *testing.T) {
	images := newMemImages()
	sink := &recordingSink{}
	svc := NewSessionService(failingStore{repository.NewMemoryStore()}, sink, zerolog.Nop(), WithImageStore(images))

	_, err := svc.RecordDetection(context.Background(), parking.Detection{Plate: "51G22222", Image: []byte("jpeg")})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if len(images.stored) != 0 || len(images.released) != 2 {
		t.Fatalf("stored=%d released=%v", len(images.stored), images.released)
	}
	if sink.len() != 0 {
		t.Fatal("failed detection reached the log")
	}
}

func TestImageStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.images.failPut = true

	_, err := f.svc.RecordDetection(context.Background(), parking.Detection{Plate: "51G33333", Image: []byte("jpeg")})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	active, _ := f.store.ListActive(context.Background())
	if len(active) != 0 {
		t.Fatal("session created despite image failure")
	}
}

func TestMarkPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entry := f.detect(t, "51A12345")
	if _, err := f.svc.MarkPaid(ctx, entry.SessionID); !errors.Is(err, ErrSessionNotCompleted) {
		t.Fatalf("pay active session: err = %v", err)
	}

	f.clock.Advance(2 * time.Hour)
	f.detect(t, "51A12345")

	paid, err := f.svc.MarkPaid(ctx, entry.SessionID)
	if err != nil {
		t.Fatalf("MarkPaid: %v", err)
	}
	if paid.PaymentStatus != parking.PaymentPaid || !paid.PaidAt.Valid {
		t.Fatalf("paid session = %+v", paid)
	}

	_, err = f.svc.MarkPaid(ctx, entry.SessionID)
	if !errors.Is(err, ErrAlreadyPaid) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second MarkPaid: err = %v", err)
	}
}

func TestMarkPaidRefusals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	free := f.detect(t, "FREE01")
	f.clock.Advance(10 * time.Minute)
	f.detect(t, "FREE01")

	tests := []struct {
		name string
		id   int64
		want error
	}{
		{name: "free session", id: free.SessionID, want: ErrFreeSession},
		{name: "unknown session", id: 9999, want: ErrNotFound},
		{name: "non-positive id", id: 0, want: ErrInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.MarkPaid(ctx, tt.id); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestActiveSessionsEstimateFee(t *testing.T) {
	f := newFixture(t)

	f.detect(t, "EST001")
	f.clock.Advance(100 * time.Minute)

	active, err := f.svc.ActiveSessions(context.Background())
	if err != nil {
		t.Fatalf("ActiveSessions: %v", err)
	}
	if len(active) != 1 || active[0].ElapsedMinutes != 100 || active[0].EstimatedFee != 8000 {
		t.Fatalf("active = %+v", active)
	}
}

func TestUnpaidAndHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, plate := range []string{"AAA111", "BBB222", "CCC333"} {
		f.detect(t, plate)
	}
	f.clock.Advance(45 * time.Minute)
	for _, plate := range []string{"AAA111", "BBB222", "CCC333"} {
		f.detect(t, plate)
		f.clock.Advance(time.Minute)
	}

	unpaid, err := f.svc.UnpaidSessions(ctx)
	if err != nil {
		t.Fatalf("UnpaidSessions: %v", err)
	}
	if unpaid.Count != 3 || unpaid.TotalDebt != 15000 {
		t.Fatalf("unpaid = %d sessions, debt %d", unpaid.Count, unpaid.TotalDebt)
	}

	page, err := f.svc.History(ctx, parking.HistoryFilter{Limit: 2})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if page.Total != 3 || page.TotalPages != 2 || len(page.Sessions) != 2 {
		t.Fatalf("page = total %d pages %d len %d", page.Total, page.TotalPages, len(page.Sessions))
	}
	if page.Sessions[0].LicensePlate != "CCC333" {
		t.Fatalf("newest exit first, got %s", page.Sessions[0].LicensePlate)
	}

	byPlate, err := f.svc.History(ctx, parking.HistoryFilter{Plate: "bbb"})
	if err != nil {
		t.Fatalf("History by plate: %v", err)
	}
	if byPlate.Total != 1 || byPlate.Sessions[0].LicensePlate != "BBB222" {
		t.Fatalf("plate filter = %+v", byPlate)
	}

	if _, err := f.svc.History(ctx, parking.HistoryFilter{PaymentStatus: "LOST"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad payment status err = %v", err)
	}
}
