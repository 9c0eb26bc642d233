// Package fee computes parking charges from session entry times.
package fee

import "time"

// Assessment is the outcome of pricing one parking session.
type Assessment struct {
	Hours    int       // billable whole hours, never less than 1
	Amount   int       // currency units due
	ExitTime time.Time // the "now" the assessment was priced against
}

// Calculator prices parking sessions at a fixed hourly rate.
type Calculator struct {
	HourlyRate int // currency units per hour
}

// Assess computes the billable duration and amount due for a session that
// began at entry, priced as of now. Elapsed time is rounded up to the next
// whole hour with a minimum charge of one hour. A now at or before entry
// (clock skew, misordered data) still bills one hour; callers that care
// should check for that condition themselves before calling.
//
// Assess is pure: now is supplied by the caller, never read from the clock.
func (c Calculator) Assess(entry, now time.Time) Assessment {
	secs := int64(now.Sub(entry) / time.Second)
	hours := (secs + 3599) / 3600
	if hours < 1 {
		hours = 1
	}
	return Assessment{
		Hours:    int(hours),
		Amount:   int(hours) * c.HourlyRate,
		ExitTime: now,
	}
}
