// Package query is the read-only facade over the aggregator and the trend
// index. It owns no state; every call reads the current aggregates.
package query

import (
	"fmt"
	"math"
	"time"

	"github.com/trustlens/trustlens/internal/aggregate"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/trend"
	"github.com/trustlens/trustlens/pkg/types"
)

// DefaultTrendDays is the trend window used when the caller gives none.
const DefaultTrendDays = 7

// Snapshot is the current running total.
type Snapshot struct {
	TotalEvaluations  int64   `json:"total_evaluations"`
	AverageTrustScore float64 `json:"average_trust_score"`
	BlockedCount      int64   `json:"blocked_count"`
	WarnedCount       int64   `json:"warned_count"`
	AllowedCount      int64   `json:"allowed_count"`
}

// TrendPoint is the average trust of one day. AvgTrust is nil for days
// without events.
type TrendPoint struct {
	Date     types.Date `json:"date"`
	AvgTrust *float64   `json:"avg_trust"`
}

// Summary is the snapshot plus action rates. Rates are nil when nothing has
// been recorded.
type Summary struct {
	Snapshot
	BlockRate *float64 `json:"block_rate"`
	WarnRate  *float64 `json:"warn_rate"`
}

// Config holds query service configuration.
type Config struct {
	// RetentionDays bounds the trend window
	RetentionDays int

	// Precision is the number of decimals of reported averages
	Precision int
}

// Service composes snapshot and trend responses.
type Service struct {
	agg    *aggregate.Aggregator
	index  *trend.Index
	config Config
	now    func() time.Time
}

// NewService creates a query service over agg and its trend index.
func NewService(agg *aggregate.Aggregator, config Config) *Service {
	return &Service{
		agg:    agg,
		index:  agg.Index(),
		config: config,
		now:    time.Now,
	}
}

// SetClock replaces the clock used to determine "today".
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RetentionDays returns the longest allowed trend window.
func (s *Service) RetentionDays() int {
	return s.config.RetentionDays
}

// GetSnapshot returns the running totals. The average is 0 when nothing has
// been recorded.
func (s *Service) GetSnapshot() Snapshot {
	g := s.agg.Snapshot()
	snap := Snapshot{
		TotalEvaluations: g.TotalCount,
		BlockedCount:     g.BlockedCount,
		WarnedCount:      g.WarnedCount,
		AllowedCount:     g.AllowedCount,
	}
	if g.TotalCount > 0 {
		snap.AverageTrustScore = round(g.ScoreSum()/float64(g.TotalCount), s.config.Precision)
	}
	return snap
}

// GetTrend returns days entries ending today (UTC), oldest first. days must
// lie in [1, RetentionDays].
func (s *Service) GetTrend(days int) ([]TrendPoint, error) {
	if days < 1 || days > s.config.RetentionDays {
		return nil, terrors.NewInvalidRangeError(
			fmt.Sprintf("days must be between 1 and %d, got %d", s.config.RetentionDays, days))
	}

	rollups := s.index.LastNDays(days, types.DateOf(s.now()))
	points := make([]TrendPoint, len(rollups))
	for i, d := range rollups {
		points[i] = TrendPoint{Date: d.Date}
		if avg := d.AvgTrust(); avg != nil {
			v := round(*avg, s.config.Precision)
			points[i].AvgTrust = &v
		}
	}
	return points, nil
}

// GetDays returns the full rollups of the last days days, oldest first.
func (s *Service) GetDays(days int) ([]trend.DailyAggregate, error) {
	if days < 1 || days > s.config.RetentionDays {
		return nil, terrors.NewInvalidRangeError(
			fmt.Sprintf("days must be between 1 and %d, got %d", s.config.RetentionDays, days))
	}
	return s.index.LastNDays(days, types.DateOf(s.now())), nil
}

// GetSummary returns the snapshot with block and warn rates rounded to two
// decimals.
func (s *Service) GetSummary() Summary {
	snap := s.GetSnapshot()
	sum := Summary{Snapshot: snap}
	if snap.TotalEvaluations > 0 {
		block := round(float64(snap.BlockedCount)/float64(snap.TotalEvaluations), 2)
		warn := round(float64(snap.WarnedCount)/float64(snap.TotalEvaluations), 2)
		sum.BlockRate = &block
		sum.WarnRate = &warn
	}
	return sum
}

func round(v float64, precision int) float64 {
	p := math.Pow(10, float64(precision))
	return math.Round(v*p) / p
}
