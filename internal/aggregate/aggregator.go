// Package aggregate maintains the running totals of recorded evaluation
// events and feeds per-day rollups into the trend index.
package aggregate

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/trend"
	"github.com/trustlens/trustlens/pkg/types"
)

// GlobalAggregate is the process-wide running total across all time.
type GlobalAggregate struct {
	TotalCount   int64 `json:"total_count"`
	ScoreUnits   int64 `json:"score_units"`
	AllowedCount int64 `json:"allowed_count"`
	WarnedCount  int64 `json:"warned_count"`
	BlockedCount int64 `json:"blocked_count"`
}

// ScoreSum returns the sum of all recorded trust scores.
func (g GlobalAggregate) ScoreSum() float64 {
	return types.UnitsToScore(g.ScoreUnits)
}

// Consistent reports whether the action counters add up to TotalCount.
func (g GlobalAggregate) Consistent() bool {
	return g.AllowedCount+g.WarnedCount+g.BlockedCount == g.TotalCount
}

func (g *GlobalAggregate) apply(d trend.Delta) {
	g.TotalCount += d.Count
	g.ScoreUnits += d.ScoreUnits
	g.AllowedCount += d.Allowed
	g.WarnedCount += d.Warned
	g.BlockedCount += d.Blocked
}

// Observer receives aggregation events, typically for metrics.
type Observer interface {
	Recorded(action types.Action)
	Duplicate()
	Conflict()
	Fatal()
}

type nopObserver struct{}

func (nopObserver) Recorded(types.Action) {}
func (nopObserver) Duplicate()            {}
func (nopObserver) Conflict()             {}
func (nopObserver) Fatal()                {}

// Config holds aggregator configuration.
type Config struct {
	// MaxAttempts bounds retries of a conflicting update
	MaxAttempts int

	// Backoff is the delay before the first retry; it doubles per attempt
	Backoff time.Duration

	// SeenShards is the number of shards of the already-seen set
	SeenShards int
}

// DefaultConfig returns the default aggregator configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Backoff:     time.Millisecond,
		SeenShards:  defaultSeenShards,
	}
}

// Aggregator owns the GlobalAggregate and mutates day rollups in the trend
// index. Recording is idempotent by event id.
type Aggregator struct {
	config   Config
	index    *trend.Index
	observer Observer

	// gate is held shared by every Record and exclusively by Export, so an
	// export never sees half of a record.
	gate sync.RWMutex

	mu     sync.RWMutex
	global GlobalAggregate

	seen      *seenSet
	watermark *watermark

	// injected before each update attempt in tests
	beforeApply func(attempt int) error
}

// New creates an aggregator writing day rollups into index.
func New(index *trend.Index, config Config, observer Observer) *Aggregator {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Aggregator{
		config:    config,
		index:     index,
		observer:  observer,
		seen:      newSeenSet(config.SeenShards),
		watermark: newWatermark(),
	}
}

// Index returns the trend index the aggregator writes to.
func (a *Aggregator) Index() *trend.Index {
	return a.index
}

// Record counts ev once. It returns false without error when the id was
// already counted. The global and day updates are applied together; an
// AggregationConflictError is retried with backoff and becomes a
// FatalAggregationError when retries run out.
func (a *Aggregator) Record(ev *types.EvaluationEvent) (bool, error) {
	if err := checkEvent(ev); err != nil {
		return false, err
	}

	a.gate.RLock()
	defer a.gate.RUnlock()

	entry, owner := a.claim(ev.ID)
	if !owner {
		a.observer.Duplicate()
		a.watermark.mark(ev.Seq)
		return false, nil
	}

	delta := trend.DeltaFor(ev.TrustScore, ev.Action)
	day := ev.Day()

	backoff := a.config.Backoff
	for attempt := 1; ; attempt++ {
		err := a.apply(attempt, day, delta)
		if err == nil {
			break
		}
		if !errors.Is(err, terrors.ErrConflict) {
			a.seen.release(ev.ID, entry)
			return false, err
		}
		a.observer.Conflict()
		if attempt >= a.config.MaxAttempts {
			a.seen.release(ev.ID, entry)
			a.observer.Fatal()
			fatal := terrors.NewFatalAggregationError(
				fmt.Sprintf("event %s not counted after %d attempts", ev.ID, attempt), err)
			log.Printf("aggregate: FATAL %v", fatal)
			return false, fatal
		}
		time.Sleep(backoff)
		backoff *= 2
	}

	a.seen.commit(ev.ID, entry)
	a.watermark.mark(ev.Seq)
	a.observer.Recorded(ev.Action)
	return true, nil
}

// claim waits out any in-flight record of the same id. owner is false when
// the id is already counted.
func (a *Aggregator) claim(id types.EventID) (*seenEntry, bool) {
	for {
		entry, owner := a.seen.claim(id)
		if owner {
			return entry, true
		}
		<-entry.done
		if entry.committed {
			return entry, false
		}
	}
}

// apply performs one update attempt of the day rollup and the global
// counters under the day's lock. Days beyond the horizon only update the
// global counters.
func (a *Aggregator) apply(attempt int, day types.Date, delta trend.Delta) error {
	if a.beforeApply != nil {
		if err := a.beforeApply(attempt); err != nil {
			return err
		}
	}

	applyGlobal := func() {
		a.mu.Lock()
		a.global.apply(delta)
		a.mu.Unlock()
	}

	err := a.index.UpsertDayWith(day, delta, applyGlobal)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, trend.ErrBeyondHorizon):
		applyGlobal()
		return nil
	case errors.Is(err, trend.ErrDayEvicted):
		return terrors.NewConflictError(fmt.Sprintf("day %s evicted during update", day), err)
	default:
		return terrors.NewInternalError("day rollup update failed", err)
	}
}

func checkEvent(ev *types.EvaluationEvent) error {
	if ev == nil {
		return terrors.NewValidationError(terrors.CodeInvalidBody, "event is required")
	}
	if !ev.ID.Valid() {
		return terrors.NewValidationError(terrors.CodeInvalidID, "event id is empty or malformed")
	}
	if !types.ScoreInRange(ev.TrustScore) {
		return terrors.NewValidationError(terrors.CodeInvalidScore, "trust_score out of range")
	}
	if ev.Timestamp.IsZero() {
		return terrors.NewValidationError(terrors.CodeMissingTimestamp, "timestamp is required")
	}
	if !ev.Action.Valid() {
		return terrors.NewValidationError(terrors.CodeInvalidAction, "unknown action")
	}
	return nil
}

// Snapshot returns a copy of the GlobalAggregate reflecting every Record
// that completed before the call.
func (a *Aggregator) Snapshot() GlobalAggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.global
}

// Seen reports whether id has been counted.
func (a *Aggregator) Seen(id types.EventID) bool {
	return a.seen.contains(id)
}

// Watermark returns the applied-sequence watermark.
func (a *Aggregator) Watermark() uint64 {
	return a.watermark.get()
}

// AdvanceWatermark moves the watermark to seq once every event up to seq is
// known to be applied, for example after a complete replay.
func (a *Aggregator) AdvanceWatermark(seq uint64) {
	a.watermark.set(seq)
}
