package parking

import (
	"testing"
	"time"
)

func TestElapsedMinutesFloors(t *testing.T) {
	base := time.Date(2025, 11, 17, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		to   time.Duration
		want int64
	}{
		{0, 0},
		{59 * time.Second, 0},
		{60 * time.Second, 1},
		{90*time.Minute + 59*time.Second, 90},
	}
	for _, tt := range tests {
		if got := ElapsedMinutes(base, base.Add(tt.to)); got != tt.want {
			t.Errorf("ElapsedMinutes(+%v) = %d, want %d", tt.to, got, tt.want)
		}
	}
}

func TestSessionComplete(t *testing.T) {
	entry := time.Date(2025, 11, 17, 8, 0, 0, 0, time.UTC)

	t.Run("free", func(t *testing.T) {
		s := &Session{EntryTime: entry, Status: StatusActive, PaymentStatus: PaymentUnpaid}
		s.Complete(entry.Add(20*time.Minute), "")
		if s.Status != StatusCompleted || s.PaymentStatus != PaymentFree || s.Fee != 0 {
			t.Fatalf("unexpected session %+v", s)
		}
		if s.ExitImage.Valid {
			t.Fatalf("exit image should be null")
		}
	})

	t.Run("charged", func(t *testing.T) {
		s := &Session{EntryTime: entry, Status: StatusActive, PaymentStatus: PaymentUnpaid}
		s.Complete(entry.Add(105*time.Minute+30*time.Second), "session/abc")
		if s.Fee != 8000 || s.PaymentStatus != PaymentUnpaid {
			t.Fatalf("fee=%d payment=%s", s.Fee, s.PaymentStatus)
		}
		if s.DurationMinutes.Int64 != 105 || s.FeeBreakdown.AdditionalHours != 1 {
			t.Fatalf("duration=%d breakdown=%+v", s.DurationMinutes.Int64, s.FeeBreakdown)
		}
		if s.ExitImage.String != "session/abc" {
			t.Fatalf("exit image = %q", s.ExitImage.String)
		}
	})

	t.Run("clock skew", func(t *testing.T) {
		s := &Session{EntryTime: entry, Status: StatusActive}
		s.Complete(entry.Add(-time.Minute), "")
		if !s.ExitTime.Time.Equal(entry) || s.DurationMinutes.Int64 != 0 {
			t.Fatalf("exit=%v duration=%d", s.ExitTime.Time, s.DurationMinutes.Int64)
		}
	})
}
