// Package trend keeps the ordered calendar-day rollups of evaluation events
// and answers "last N days" queries over them.
package trend

import (
	"github.com/trustlens/trustlens/pkg/types"
)

// DailyAggregate is the rollup of one UTC calendar day.
// AllowedCount + WarnedCount + BlockedCount == Count always holds.
type DailyAggregate struct {
	Date         types.Date `json:"date"`
	Count        int64      `json:"count"`
	ScoreUnits   int64      `json:"score_units"`
	AllowedCount int64      `json:"allowed_count"`
	WarnedCount  int64      `json:"warned_count"`
	BlockedCount int64      `json:"blocked_count"`
}

// ScoreSum returns the sum of trust scores recorded for the day.
func (d DailyAggregate) ScoreSum() float64 {
	return types.UnitsToScore(d.ScoreUnits)
}

// AvgTrust returns the mean trust score, or nil for a day without events.
func (d DailyAggregate) AvgTrust() *float64 {
	if d.Count == 0 {
		return nil
	}
	avg := types.UnitsToScore(d.ScoreUnits) / float64(d.Count)
	return &avg
}

// Consistent reports whether the action counters add up to Count.
func (d DailyAggregate) Consistent() bool {
	return d.AllowedCount+d.WarnedCount+d.BlockedCount == d.Count
}

// Delta is the change one or more events make to a rollup.
type Delta struct {
	Count      int64
	ScoreUnits int64
	Allowed    int64
	Warned     int64
	Blocked    int64
}

// DeltaFor returns the delta of a single event.
func DeltaFor(score float64, action types.Action) Delta {
	d := Delta{Count: 1, ScoreUnits: types.ScoreUnits(score)}
	switch action {
	case types.ActionAllowed:
		d.Allowed = 1
	case types.ActionWarned:
		d.Warned = 1
	case types.ActionBlocked:
		d.Blocked = 1
	}
	return d
}

// Valid reports whether exactly the counted events are spread over actions.
func (d Delta) Valid() bool {
	return d.Count >= 0 && d.Allowed+d.Warned+d.Blocked == d.Count
}

func (d *DailyAggregate) apply(delta Delta) {
	d.Count += delta.Count
	d.ScoreUnits += delta.ScoreUnits
	d.AllowedCount += delta.Allowed
	d.WarnedCount += delta.Warned
	d.BlockedCount += delta.Blocked
}
