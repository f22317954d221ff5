package aggregate

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/trend"
	"github.com/trustlens/trustlens/pkg/types"
)

var day0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func classify(score float64) types.Action {
	switch {
	case score <= 49:
		return types.ActionBlocked
	case score <= 74:
		return types.ActionWarned
	default:
		return types.ActionAllowed
	}
}

func event(id string, seq uint64, score float64, ts time.Time) *types.EvaluationEvent {
	return &types.EvaluationEvent{
		ID:         types.EventID(id),
		Seq:        seq,
		Timestamp:  ts,
		TrustScore: score,
		Action:     classify(score),
	}
}

func newTestAggregator() *Aggregator {
	return New(trend.NewIndex(), DefaultConfig(), nil)
}

func TestRecordUpdatesGlobalAndDay(t *testing.T) {
	a := newTestAggregator()

	for i, score := range []float64{70, 80, 90} {
		applied, err := a.Record(event(fmt.Sprintf("e%d", i), uint64(i+1), score, day0))
		require.NoError(t, err)
		assert.True(t, applied)
	}

	g := a.Snapshot()
	assert.Equal(t, int64(3), g.TotalCount)
	assert.Equal(t, 240.0, g.ScoreSum())
	assert.Equal(t, int64(2), g.AllowedCount)
	assert.Equal(t, int64(1), g.WarnedCount)
	assert.Equal(t, int64(0), g.BlockedCount)

	d, ok := a.Index().Get(types.DateOf(day0))
	require.True(t, ok)
	require.NotNil(t, d.AvgTrust())
	assert.Equal(t, 80.0, *d.AvgTrust())
	assert.Equal(t, uint64(3), a.Watermark())
}

func TestRecordIsIdempotent(t *testing.T) {
	once := newTestAggregator()
	twice := newTestAggregator()

	ev := event("same", 1, 42, day0)
	_, err := once.Record(ev)
	require.NoError(t, err)

	applied, err := twice.Record(ev)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = twice.Record(ev)
	require.NoError(t, err)
	assert.False(t, applied)

	assert.Equal(t, once.Snapshot(), twice.Snapshot())
	assert.Equal(t, once.Index().Days(), twice.Index().Days())
}

func TestRecordValidatesEvent(t *testing.T) {
	a := newTestAggregator()

	_, err := a.Record(&types.EvaluationEvent{ID: "x", Timestamp: day0, TrustScore: 50, Action: "unknown"})
	assert.True(t, terrors.IsValidation(err))

	_, err = a.Record(&types.EvaluationEvent{ID: "x", Timestamp: day0, TrustScore: 150, Action: types.ActionAllowed})
	assert.True(t, terrors.IsValidation(err))

	assert.Equal(t, int64(0), a.Snapshot().TotalCount)
	assert.False(t, a.Seen("x"))
}

func TestConcurrentRecordsDistinctIDs(t *testing.T) {
	a := newTestAggregator()

	const n = 500
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ts := day0.Add(time.Duration(i%7) * 24 * time.Hour)
			_, err := a.Record(event(fmt.Sprintf("c%d", i), uint64(i+1), float64(i%101), ts))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	g := a.Snapshot()
	assert.Equal(t, int64(n), g.TotalCount)
	assert.True(t, g.Consistent())
	assert.Equal(t, uint64(n), a.Watermark())

	var dayTotal int64
	for _, d := range a.Index().Days() {
		assert.True(t, d.Consistent())
		dayTotal += d.Count
	}
	assert.Equal(t, int64(n), dayTotal)
}

func TestConcurrentDuplicatesCountOnce(t *testing.T) {
	a := newTestAggregator()

	const callers = 32
	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := a.Record(event("hot", 1, 77, day0))
			assert.NoError(t, err)
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, int64(1), a.Snapshot().TotalCount)
}

func TestConflictIsRetried(t *testing.T) {
	a := newTestAggregator()
	var attempts int
	a.beforeApply = func(attempt int) error {
		attempts = attempt
		if attempt < 3 {
			return terrors.NewConflictError("simulated", nil)
		}
		return nil
	}

	applied, err := a.Record(event("retry", 1, 80, day0))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(1), a.Snapshot().TotalCount)
}

func TestConflictExhaustionIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	a := New(trend.NewIndex(), cfg, nil)
	a.beforeApply = func(int) error {
		return terrors.NewConflictError("simulated", nil)
	}

	_, err := a.Record(event("doomed", 1, 80, day0))
	require.Error(t, err)
	assert.ErrorIs(t, err, terrors.ErrFatal)
	assert.False(t, terrors.IsRetryable(err))

	g := a.Snapshot()
	assert.Equal(t, int64(0), g.TotalCount, "nothing half-applied")
	assert.Empty(t, a.Index().Days())
	assert.False(t, a.Seen("doomed"))
	assert.Equal(t, uint64(0), a.Watermark())

	// the claim was released, so redelivery can count it later
	a.beforeApply = nil
	applied, err := a.Record(event("doomed", 1, 80, day0))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(1), a.Watermark())
}

func TestRecordBeyondHorizonUpdatesGlobalOnly(t *testing.T) {
	a := newTestAggregator()
	a.Index().EvictBefore(types.DateOf(day0))

	applied, err := a.Record(event("old", 1, 30, day0.Add(-48*time.Hour)))
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, int64(1), a.Snapshot().BlockedCount)
	assert.Empty(t, a.Index().Days())
}

func TestEvictionDuringRecordCountsGlobalOnly(t *testing.T) {
	a := newTestAggregator()
	day := types.DateOf(day0)

	a.beforeApply = func(attempt int) error {
		if attempt == 1 {
			// day is created, then evicted before the update takes its lock
			_ = a.Index().UpsertDay(day, trend.Delta{})
			a.Index().EvictBefore(day.AddDays(1))
		}
		return nil
	}

	applied, err := a.Record(event("raced", 1, 90, day0))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, int64(1), a.Snapshot().TotalCount)
	assert.Empty(t, a.Index().Days())
}

func TestWatermarkWaitsForGaps(t *testing.T) {
	a := newTestAggregator()

	_, err := a.Record(event("s2", 2, 80, day0))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), a.Watermark())

	_, err = a.Record(event("s1", 1, 80, day0))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), a.Watermark())

	a.AdvanceWatermark(10)
	assert.Equal(t, uint64(10), a.Watermark())
}

func TestExportRestoreRoundTrip(t *testing.T) {
	a := newTestAggregator()
	for i := 0; i < 20; i++ {
		ts := day0.Add(time.Duration(i) * 6 * time.Hour)
		_, err := a.Record(event(fmt.Sprintf("r%02d", i), uint64(i+1), float64(i*5), ts))
		require.NoError(t, err)
	}
	a.Index().EvictBefore(types.DateOf(day0).AddDays(1))

	st := a.Export()
	raw, err := json.Marshal(st)
	require.NoError(t, err)

	b := newTestAggregator()
	var decoded State
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.NoError(t, b.Restore(&decoded))

	again, err := json.Marshal(b.Export())
	require.NoError(t, err)
	assert.Equal(t, string(raw), string(again))

	applied, err := b.Record(event("r03", 4, 15, day0))
	require.NoError(t, err)
	assert.False(t, applied, "restored seen ids still deduplicate")
}

func TestRestoreRejectsInconsistentState(t *testing.T) {
	a := newTestAggregator()
	err := a.Restore(&State{Global: GlobalAggregate{TotalCount: 2, AllowedCount: 1}})
	assert.Error(t, err)
}

// Property: replaying the same events in any order produces byte-identical
// state, and the action counters always add up.
func TestReplayOrderIndependenceProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("state independent of order and duplicates", prop.ForAll(
		func(scores []float64, dayOffsets []int, seed int64) bool {
			n := len(scores)
			if len(dayOffsets) < n {
				n = len(dayOffsets)
			}
			events := make([]*types.EvaluationEvent, n)
			for i := 0; i < n; i++ {
				ts := day0.Add(time.Duration(dayOffsets[i]) * 24 * time.Hour)
				events[i] = event(fmt.Sprintf("p%04d", i), uint64(i+1), scores[i], ts)
			}

			forward := newTestAggregator()
			for _, ev := range events {
				if _, err := forward.Record(ev); err != nil {
					return false
				}
			}

			shuffled := newTestAggregator()
			order := permutation(n, seed)
			for _, i := range order {
				if _, err := shuffled.Record(events[i]); err != nil {
					return false
				}
				// duplicates never change anything
				if _, err := shuffled.Record(events[i]); err != nil {
					return false
				}
			}

			a, _ := json.Marshal(forward.Export())
			b, _ := json.Marshal(shuffled.Export())
			g := shuffled.Snapshot()
			return string(a) == string(b) && g.Consistent() && g.TotalCount == int64(n)
		},
		gen.SliceOf(gen.Float64Range(0, 100)),
		gen.SliceOf(gen.IntRange(0, 10)),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func permutation(n int, seed int64) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	// xorshift keeps the permutation deterministic per seed
	x := uint64(seed) | 1
	for i := n - 1; i > 0; i-- {
		x ^= x << 13
		x ^= x >> 7
		x ^= x << 17
		j := int(x % uint64(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}
