package parking

import (
	"time"

	"gopkg.in/guregu/null.v4"

	"parking-service/internal/fee"
)

type EventType string

const (
	EventEntry EventType = "ENTRY"
	EventExit  EventType = "EXIT"
)

type SessionStatus string

const (
	StatusActive    SessionStatus = "ACTIVE"
	StatusCompleted SessionStatus = "COMPLETED"
)

type PaymentStatus string

const (
	PaymentUnpaid PaymentStatus = "UNPAID"
	PaymentPaid   PaymentStatus = "PAID"
	PaymentFree   PaymentStatus = "FREE"
)

// ActionOpenBarrier is the only action a classified detection asks for.
const ActionOpenBarrier = "open_barrier"

// Session is one vehicle's continuous stay in the lot.
type Session struct {
	ID              int64          `json:"id"`
	LicensePlate    string         `json:"license_plate"`
	EntryTime       time.Time      `json:"entry_time"`
	ExitTime        null.Time      `json:"exit_time"`
	DurationMinutes null.Int       `json:"duration_minutes"`
	Fee             int64          `json:"fee"`
	FeeBreakdown    *fee.Breakdown `json:"fee_breakdown,omitempty"`
	Status          SessionStatus  `json:"status"`
	PaymentStatus   PaymentStatus  `json:"payment_status"`
	PaidAt          null.Time      `json:"paid_at"`
	EntryImage      null.String    `json:"entry_image"`
	ExitImage       null.String    `json:"exit_image"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Complete closes an ACTIVE session at exitTime and prices it.
// exitTime earlier than the entry is clamped to the entry time.
func (s *Session) Complete(exitTime time.Time, exitImage string) {
	if exitTime.Before(s.EntryTime) {
		exitTime = s.EntryTime
	}

	minutes := ElapsedMinutes(s.EntryTime, exitTime)
	total, breakdown := fee.Compute(minutes)

	s.ExitTime = null.TimeFrom(exitTime)
	s.DurationMinutes = null.IntFrom(minutes)
	s.Fee = total
	s.FeeBreakdown = &breakdown
	s.Status = StatusCompleted
	s.ExitImage = null.NewString(exitImage, exitImage != "")
	if total == 0 {
		s.PaymentStatus = PaymentFree
	} else {
		s.PaymentStatus = PaymentUnpaid
	}
}

// ElapsedMinutes is floor((to - from) in seconds / 60).
func ElapsedMinutes(from, to time.Time) int64 {
	return int64(to.Sub(from) / time.Minute)
}

// Detection is one plate read submitted by a camera-side detector.
type Detection struct {
	Plate            string
	Confidence       float64
	Source           string
	Image            []byte
	ImageContentType string
}

// DetectionRecord is the display-side history entry of a detection.
type DetectionRecord struct {
	Plate      string    `json:"plate"`
	Confidence float64   `json:"confidence"`
	DetectedAt time.Time `json:"detected_at"`
	EventType  EventType `json:"event_type"`
	Source     string    `json:"source"`
	Image      string    `json:"image,omitempty"`
	SessionID  int64     `json:"session_id"`
}

// DetectionOutcome is returned to the detector after classification.
type DetectionOutcome struct {
	Status          string         `json:"status"`
	Plate           string         `json:"plate"`
	Confidence      float64        `json:"confidence"`
	EventType       EventType      `json:"event_type"`
	Message         string         `json:"message"`
	SessionID       int64          `json:"session_id"`
	Action          string         `json:"action"`
	Source          string         `json:"source,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
	DurationMinutes *int64         `json:"duration_minutes,omitempty"`
	Fee             *int64         `json:"fee,omitempty"`
	PaymentStatus   PaymentStatus  `json:"payment_status,omitempty"`
	FeeBreakdown    *fee.Breakdown `json:"fee_breakdown,omitempty"`
}

// ActiveSessionInfo is an ACTIVE session priced as if it left now.
type ActiveSessionInfo struct {
	Session
	ElapsedMinutes int64 `json:"elapsed_minutes"`
	EstimatedFee   int64 `json:"estimated_fee"`
}

type UnpaidSummary struct {
	Count     int       `json:"count"`
	TotalDebt int64     `json:"total_debt"`
	Sessions  []Session `json:"sessions"`
}

// HistoryFilter selects completed sessions. Zero values mean "any".
type HistoryFilter struct {
	Plate         string
	PaymentStatus PaymentStatus
	From          *time.Time
	To            *time.Time
	Page          int
	Limit         int
}

type HistoryPage struct {
	Page       int       `json:"page"`
	Limit      int       `json:"limit"`
	Total      int64     `json:"total"`
	TotalPages int64     `json:"total_pages"`
	Sessions   []Session `json:"sessions"`
}
