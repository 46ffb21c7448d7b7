// Package fee prices a completed parking session from its duration alone.
package fee

import "math"

// Tariff constants. Amounts are in the smallest currency unit.
const (
	FreeMinutes        int64 = 30
	FirstPeriodMinutes int64 = 90
	FirstPeriodFee     int64 = 5000
	HourlyFee          int64 = 3000
)

// maxAdditionalHours keeps FirstPeriodFee + hours*HourlyFee within int64.
const maxAdditionalHours = (math.MaxInt64 - FirstPeriodFee) / HourlyFee

// Breakdown itemizes how Total was reached.
type Breakdown struct {
	DurationMinutes int64 `json:"duration_minutes"`
	FreeMinutes     int64 `json:"free_minutes"`
	FirstPeriodFee  int64 `json:"first_period_fee"`
	AdditionalHours int64 `json:"additional_hours"`
	AdditionalFee   int64 `json:"additional_fee"`
	Total           int64 `json:"total"`
}

// Compute returns the fee for a stay of durationMinutes and its breakdown.
// Negative durations are treated as zero. Durations too long to price in
// an int64 saturate at the largest representable fee.
//
//	<= 30 min      free
//	31..90 min     flat FirstPeriodFee
//	> 90 min       FirstPeriodFee + HourlyFee per started hour beyond 90
func Compute(durationMinutes int64) (int64, Breakdown) {
	if durationMinutes < 0 {
		durationMinutes = 0
	}

	b := Breakdown{
		DurationMinutes: durationMinutes,
		FreeMinutes:     min(FreeMinutes, durationMinutes),
	}

	if durationMinutes <= FreeMinutes {
		return 0, b
	}

	b.FirstPeriodFee = FirstPeriodFee
	if durationMinutes > FirstPeriodMinutes {
		over := durationMinutes - FirstPeriodMinutes
		b.AdditionalHours = min((over+59)/60, maxAdditionalHours)
		b.AdditionalFee = b.AdditionalHours * HourlyFee
	}
	b.Total = b.FirstPeriodFee + b.AdditionalFee

	return b.Total, b
}
