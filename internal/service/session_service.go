package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/guregu/null.v4"

	"parking-service/internal/barrier"
	"parking-service/internal/domain/parking"
	"parking-service/internal/fee"
	"parking-service/internal/metrics"
	"parking-service/internal/repository"
	"parking-service/internal/storage"
	"parking-service/internal/utils"
)

// ImageStore persists detection images and hands back a reference.
type ImageStore interface {
	Put(ctx context.Context, bucket string, data []byte, contentType string) (string, error)
	Release(ctx context.Context, ref string) error
}

// DetectionSink receives one record per classified detection.
type DetectionSink interface {
	Append(ctx context.Context, rec parking.DetectionRecord)
}

// Notifier pushes outcomes to live subscribers without blocking.
type Notifier interface {
	Broadcast(v interface{})
}

// Barrier forwards gate commands to the hardware side.
type Barrier interface {
	Signal(ctx context.Context, cmd barrier.Command) error
}

type Option func(*SessionService)

func WithImageStore(images ImageStore) Option {
	return func(s *SessionService) { s.images = images }
}

func WithBarrier(b Barrier) Option {
	return func(s *SessionService) { s.barrier = b }
}

func WithNotifier(n Notifier) Option {
	return func(s *SessionService) { s.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SessionService) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *SessionService) { s.now = now }
}

// SessionService classifies detections into entries and exits and owns the
// session lifecycle.
type SessionService struct {
	store    repository.SessionStore
	sink     DetectionSink
	images   ImageStore
	barrier  Barrier
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	log      zerolog.Logger
}

func NewSessionService(store repository.SessionStore, sink DetectionSink, log zerolog.Logger, opts ...Option) *SessionService {
	s := &SessionService{
		store:   store,
		sink:    sink,
		barrier: barrier.Noop{},
		now:     time.Now,
		log:     log.With().Str("component", "session_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RecordDetection opens a session for a plate without one and completes
// the open session otherwise. Reading the active session and writing the
// result happen in one store transition per plate.
func (s *SessionService) RecordDetection(ctx context.Context, d parking.Detection) (*parking.DetectionOutcome, error) {
	plate := utils.NormalizePlate(d.Plate)
	if plate == "" {
		return nil, fmt.Errorf("%w: plate is required", ErrInvalidInput)
	}

	now := s.now().UTC()
	sessionImage, detectionImage, err := s.storeImages(ctx, d)
	if err != nil {
		s.countError()
		return nil, err
	}

	var eventType parking.EventType
	session, err := s.store.Transition(ctx, plate, func(active *parking.Session) (*parking.Session, error) {
		if active == nil {
			eventType = parking.EventEntry
			return &parking.Session{
				LicensePlate:  plate,
				EntryTime:     now,
				Status:        parking.StatusActive,
				PaymentStatus: parking.PaymentUnpaid,
				EntryImage:    null.NewString(sessionImage, sessionImage != ""),
			}, nil
		}
		eventType = parking.EventExit
		next := *active
		next.Complete(now, sessionImage)
		return &next, nil
	})
	if err != nil {
		s.releaseImages(sessionImage, detectionImage)
		s.countError()
		s.log.Error().
			Err(err).
			Str("plate", plate).
			Str("source", d.Source).
			Msg("failed to record detection")
		return nil, fmt.Errorf("%w: record detection for %s: %w", ErrPersistence, plate, err)
	}

	if s.sink != nil {
		s.sink.Append(ctx, parking.DetectionRecord{
			Plate:      plate,
			Confidence: d.Confidence,
			DetectedAt: now,
			EventType:  eventType,
			Source:     d.Source,
			Image:      detectionImage,
			SessionID:  session.ID,
		})
	} else {
		s.releaseImages(detectionImage)
	}

	outcome := buildOutcome(session, eventType, d, now)

	logEvent := s.log.Info().
		Int64("session_id", session.ID).
		Str("plate", plate).
		Str("event_type", string(eventType)).
		Str("source", d.Source).
		Float64("confidence", d.Confidence)
	if eventType == parking.EventExit {
		logEvent = logEvent.
			Int64("duration_minutes", session.DurationMinutes.Int64).
			Int64("fee", session.Fee).
			Str("payment_status", string(session.PaymentStatus))
	}
	logEvent.Msg("detection classified")

	if s.metrics != nil {
		s.metrics.IncrementDetections(eventType == parking.EventEntry)
	}
	s.signalBarrier(ctx, outcome)
	if s.notifier != nil {
		s.notifier.Broadcast(outcome)
	}

	return outcome, nil
}

func buildOutcome(session *parking.Session, eventType parking.EventType, d parking.Detection, now time.Time) *parking.DetectionOutcome {
	outcome := &parking.DetectionOutcome{
		Status:     "ok",
		Plate:      session.LicensePlate,
		Confidence: d.Confidence,
		EventType:  eventType,
		SessionID:  session.ID,
		Action:     parking.ActionOpenBarrier,
		Source:     d.Source,
		DetectedAt: now,
	}

	if eventType == parking.EventEntry {
		outcome.Message = fmt.Sprintf("Entry recorded for %s", session.LicensePlate)
		return outcome
	}

	duration := session.DurationMinutes.Int64
	total := session.Fee
	outcome.DurationMinutes = &duration
	outcome.Fee = &total
	outcome.PaymentStatus = session.PaymentStatus
	outcome.FeeBreakdown = session.FeeBreakdown
	if session.PaymentStatus == parking.PaymentFree {
		outcome.Message = fmt.Sprintf("Exit recorded for %s after %d min, free of charge", session.LicensePlate, duration)
	} else {
		outcome.Message = fmt.Sprintf("Exit recorded for %s after %d min, fee %d", session.LicensePlate, duration, total)
	}
	return outcome
}

// storeImages keeps one copy for the session and one for the detection
// history so their lifetimes stay independent.
func (s *SessionService) storeImages(ctx context.Context, d parking.Detection) (string, string, error) {
	if len(d.Image) == 0 || s.images == nil {
		return "", "", nil
	}

	sessionRef, err := s.images.Put(ctx, storage.BucketSession, d.Image, d.ImageContentType)
	if err != nil {
		return "", "", fmt.Errorf("%w: store session image: %w", ErrPersistence, err)
	}
	detectionRef, err := s.images.Put(ctx, storage.BucketDetection, d.Image, d.ImageContentType)
	if err != nil {
		s.releaseImages(sessionRef)
		return "", "", fmt.Errorf("%w: store detection image: %w", ErrPersistence, err)
	}
	return sessionRef, detectionRef, nil
}

func (s *SessionService) releaseImages(refs ...string) {
	if s.images == nil {
		return
	}
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if err := s.images.Release(context.Background(), ref); err != nil {
			s.log.Warn().Err(err).Str("image", ref).Msg("failed to release image")
		}
	}
}

func (s *SessionService) signalBarrier(ctx context.Context, outcome *parking.DetectionOutcome) {
	cmd := barrier.Command{
		Action:    outcome.Action,
		Plate:     outcome.Plate,
		Source:    outcome.Source,
		SessionID: outcome.SessionID,
		EventType: string(outcome.EventType),
		IssuedAt:  outcome.DetectedAt,
	}
	if err := s.barrier.Signal(ctx, cmd); err != nil {
		s.log.Warn().
			Err(err).
			Str("plate", outcome.Plate).
			Msg("barrier signal not delivered")
	}
}

// ToggleBarrier sends a manual toggle command on behalf of an operator.
func (s *SessionService) ToggleBarrier(ctx context.Context, source string) error {
	cmd := barrier.Command{
		Action:   barrier.ActionToggle,
		Source:   source,
		IssuedAt: s.now().UTC(),
	}
	if err := s.barrier.Signal(ctx, cmd); err != nil {
		return fmt.Errorf("toggle barrier: %w", err)
	}
	s.log.Info().Str("source", source).Msg("barrier toggled manually")
	return nil
}

// MarkPaid moves a completed, unpaid session to PAID. It succeeds at most
// once per session.
func (s *SessionService) MarkPaid(ctx context.Context, id int64) (*parking.Session, error) {
	if id <= 0 {
		return nil, fmt.Errorf("%w: session id must be positive", ErrInvalidInput)
	}

	now := s.now().UTC()
	session, err := s.store.Update(ctx, id, func(sess *parking.Session) error {
		switch {
		case sess.Status != parking.StatusCompleted:
			return ErrSessionNotCompleted
		case sess.PaymentStatus == parking.PaymentPaid:
			return ErrAlreadyPaid
		case sess.PaymentStatus == parking.PaymentFree:
			return ErrFreeSession
		}
		sess.PaymentStatus = parking.PaymentPaid
		sess.PaidAt = null.TimeFrom(now)
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			s.log.Debug().Err(err).Int64("session_id", id).Msg("payment refused")
			return nil, err
		}
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: session %d", ErrNotFound, id)
		}
		s.log.Error().Err(err).Int64("session_id", id).Msg("failed to mark session paid")
		return nil, fmt.Errorf("%w: mark session %d paid: %w", ErrPersistence, id, err)
	}

	if s.metrics != nil {
		s.metrics.IncrementPayments()
	}
	s.log.Info().
		Int64("session_id", session.ID).
		Str("plate", session.LicensePlate).
		Int64("fee", session.Fee).
		Msg("session paid")

	return session, nil
}

// ActiveSessions lists open sessions priced as if they left now.
func (s *SessionService) ActiveSessions(ctx context.Context) ([]parking.ActiveSessionInfo, error) {
	sessions, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list active sessions: %w", ErrPersistence, err)
	}

	now := s.now().UTC()
	result := make([]parking.ActiveSessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		elapsed := parking.ElapsedMinutes(sess.EntryTime, now)
		if elapsed < 0 {
			elapsed = 0
		}
		estimate, _ := fee.Compute(elapsed)
		result = append(result, parking.ActiveSessionInfo{
			Session:        sess,
			ElapsedMinutes: elapsed,
			EstimatedFee:   estimate,
		})
	}
	return result, nil
}

func (s *SessionService) Session(ctx context.Context, id int64) (*parking.Session, error) {
	sess, err := s.store.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: session %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load session %d: %w", ErrPersistence, id, err)
	}
	return sess, nil
}

func (s *SessionService) UnpaidSessions(ctx context.Context) (*parking.UnpaidSummary, error) {
	sessions, err := s.store.ListUnpaid(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list unpaid sessions: %w", ErrPersistence, err)
	}

	summary := &parking.UnpaidSummary{
		Count:    len(sessions),
		Sessions: sessions,
	}
	for _, sess := range sessions {
		summary.TotalDebt += sess.Fee
	}
	return summary, nil
}

func (s *SessionService) History(ctx context.Context, filter parking.HistoryFilter) (*parking.HistoryPage, error) {
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, fmt.Errorf("%w: 'to' is before 'from'", ErrInvalidInput)
	}
	switch filter.PaymentStatus {
	case "", parking.PaymentUnpaid, parking.PaymentPaid, parking.PaymentFree:
	default:
		return nil, fmt.Errorf("%w: unknown payment status %q", ErrInvalidInput, filter.PaymentStatus)
	}
	filter.Plate = utils.NormalizePlate(filter.Plate)
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit <= 0 {
		filter.Limit = repository.DefaultPageLimit
	}
	if filter.Limit > repository.MaxPageLimit {
		filter.Limit = repository.MaxPageLimit
	}

	sessions, total, err := s.store.History(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: query history: %w", ErrPersistence, err)
	}

	return &parking.HistoryPage{
		Page:       filter.Page,
		Limit:      filter.Limit,
		Total:      total,
		TotalPages: (total + int64(filter.Limit) - 1) / int64(filter.Limit),
		Sessions:   sessions,
	}, nil
}

func (s *SessionService) countError() {
	if s.metrics != nil {
		s.metrics.IncrementDetectionErrors()
	}
}
