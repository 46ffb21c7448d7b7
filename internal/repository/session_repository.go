package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gopkg.in/guregu/null.v4"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-service/internal/domain/parking"
	"parking-service/internal/fee"
)

const pgUniqueViolation = "23505"

// SessionRepository is the Postgres-backed SessionStore.
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

type ParkingSession struct {
	ID              int64     `gorm:"primaryKey"`
	LicensePlate    string    `gorm:"not null"`
	EntryTime       time.Time `gorm:"not null"`
	ExitTime        null.Time
	DurationMinutes null.Int
	Fee             int64          `gorm:"not null;default:0"`
	FeeBreakdown    datatypes.JSON `gorm:"type:jsonb"`
	Status          string         `gorm:"not null"`
	PaymentStatus   string         `gorm:"not null"`
	PaidAt          null.Time
	EntryImage      null.String
	ExitImage       null.String
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ParkingSession) TableName() string {
	return "parking_sessions"
}

func (r *SessionRepository) Transition(ctx context.Context, plate string, fn TransitionFunc) (*parking.Session, error) {
	var saved *parking.Session

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serializes classification per plate for the life of the transaction.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", plate).Error; err != nil {
			return err
		}

		var active *parking.Session
		var row ParkingSession
		err := tx.Where("license_plate = ? AND status = ?", plate, string(parking.StatusActive)).
			Order("entry_time DESC").
			First(&row).Error
		switch {
		case err == nil:
			s, err := row.toDomain()
			if err != nil {
				return err
			}
			active = s
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return err
		}

		next, err := fn(active)
		if err != nil {
			return err
		}

		out, err := fromDomain(next)
		if err != nil {
			return err
		}
		if out.ID == 0 {
			err = tx.Create(out).Error
		} else {
			err = tx.Save(out).Error
		}
		if err != nil {
			return translateError(err)
		}

		saved, err = out.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *SessionRepository) Update(ctx context.Context, id int64, fn UpdateFunc) (*parking.Session, error) {
	var saved *parking.Session

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ParkingSession
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		s, err := row.toDomain()
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}

		out, err := fromDomain(s)
		if err != nil {
			return err
		}
		if err := tx.Save(out).Error; err != nil {
			return translateError(err)
		}
		saved, err = out.toDomain()
		return err
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (r *SessionRepository) FindByID(ctx context.Context, id int64) (*parking.Session, error) {
	var row ParkingSession
	err := r.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain()
}

func (r *SessionRepository) ListActive(ctx context.Context) ([]parking.Session, error) {
	var rows []ParkingSession
	err := r.db.WithContext(ctx).
		Where("status = ?", string(parking.StatusActive)).
		Order("entry_time DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(rows)
}

func (r *SessionRepository) ListUnpaid(ctx context.Context) ([]parking.Session, error) {
	var rows []ParkingSession
	err := r.db.WithContext(ctx).
		Where("status = ? AND payment_status = ?", string(parking.StatusCompleted), string(parking.PaymentUnpaid)).
		Order("exit_time DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toDomainSlice(rows)
}

func (r *SessionRepository) History(ctx context.Context, filter parking.HistoryFilter) ([]parking.Session, int64, error) {
	query := historyQuery(r.db.WithContext(ctx), filter)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page, limit := normalizePage(filter.Page, filter.Limit)
	var rows []ParkingSession
	err := query.Order("exit_time DESC").
		Limit(limit).
		Offset((page - 1) * limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	sessions, err := toDomainSlice(rows)
	return sessions, total, err
}

// historyQuery applies filter to completed sessions. The plate filter is a
// literal substring match so that % and _ in user input match themselves.
func historyQuery(db *gorm.DB, filter parking.HistoryFilter) *gorm.DB {
	query := db.Model(&ParkingSession{}).
		Where("status = ?", string(parking.StatusCompleted))

	if filter.Plate != "" {
		query = query.Where("strpos(upper(license_plate), ?) > 0", strings.ToUpper(filter.Plate))
	}
	if filter.PaymentStatus != "" {
		query = query.Where("payment_status = ?", string(filter.PaymentStatus))
	}
	if filter.From != nil {
		query = query.Where("exit_time >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("exit_time < ?", *filter.To)
	}
	return query
}

func (r *SessionRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrActiveConflict, pgErr.Detail)
	}
	return err
}

func fromDomain(s *parking.Session) (*ParkingSession, error) {
	row := &ParkingSession{
		ID:              s.ID,
		LicensePlate:    s.LicensePlate,
		EntryTime:       s.EntryTime,
		ExitTime:        s.ExitTime,
		DurationMinutes: s.DurationMinutes,
		Fee:             s.Fee,
		Status:          string(s.Status),
		PaymentStatus:   string(s.PaymentStatus),
		PaidAt:          s.PaidAt,
		EntryImage:      s.EntryImage,
		ExitImage:       s.ExitImage,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
	if s.FeeBreakdown != nil {
		raw, err := json.Marshal(s.FeeBreakdown)
		if err != nil {
			return nil, err
		}
		row.FeeBreakdown = datatypes.JSON(raw)
	}
	return row, nil
}

func (row *ParkingSession) toDomain() (*parking.Session, error) {
	s := &parking.Session{
		ID:              row.ID,
		LicensePlate:    row.LicensePlate,
		EntryTime:       row.EntryTime.UTC(),
		ExitTime:        row.ExitTime,
		DurationMinutes: row.DurationMinutes,
		Fee:             row.Fee,
		Status:          parking.SessionStatus(row.Status),
		PaymentStatus:   parking.PaymentStatus(row.PaymentStatus),
		PaidAt:          row.PaidAt,
		EntryImage:      row.EntryImage,
		ExitImage:       row.ExitImage,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if s.ExitTime.Valid {
		s.ExitTime.Time = s.ExitTime.Time.UTC()
	}
	if len(row.FeeBreakdown) > 0 {
		var b fee.Breakdown
		if err := json.Unmarshal(row.FeeBreakdown, &b); err != nil {
			return nil, fmt.Errorf("decode fee breakdown of session %d: %w", row.ID, err)
		}
		s.FeeBreakdown = &b
	}
	return s, nil
}

func toDomainSlice(rows []ParkingSession) ([]parking.Session, error) {
	out := make([]parking.Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}
