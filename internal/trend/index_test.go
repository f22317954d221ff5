package trend

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlens/trustlens/pkg/types"
)

func mustDate(t *testing.T, s string) types.Date {
	t.Helper()
	d, err := types.ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestUpsertDayAndAverage(t *testing.T) {
	ix := NewIndex()
	day := mustDate(t, "2026-05-01")

	for _, score := range []float64{70, 80, 90} {
		require.NoError(t, ix.UpsertDay(day, DeltaFor(score, types.ActionAllowed)))
	}

	agg, ok := ix.Get(day)
	require.True(t, ok)
	assert.Equal(t, int64(3), agg.Count)
	assert.Equal(t, 240.0, agg.ScoreSum())
	require.NotNil(t, agg.AvgTrust())
	assert.Equal(t, 80.0, *agg.AvgTrust())
	assert.True(t, agg.Consistent())
}

func TestLastNDaysFillsGaps(t *testing.T) {
	ix := NewIndex()
	today := mustDate(t, "2026-05-10")

	for _, offset := range []int{0, -2, -5} {
		require.NoError(t, ix.UpsertDay(today.AddDays(offset), DeltaFor(60, types.ActionWarned)))
	}

	days := ix.LastNDays(7, today)
	require.Len(t, days, 7)

	var empty int
	for i, d := range days {
		assert.Equal(t, today.AddDays(i-6), d.Date, "oldest first, no shifted dates")
		if d.Count == 0 {
			empty++
			assert.Nil(t, d.AvgTrust())
		}
	}
	assert.Equal(t, 4, empty)
	assert.Equal(t, int64(1), days[6].Count)
	assert.Equal(t, int64(1), days[4].Count)
	assert.Equal(t, int64(1), days[1].Count)

	assert.Nil(t, ix.LastNDays(0, today))
}

func TestEvictBefore(t *testing.T) {
	ix := NewIndex()
	base := mustDate(t, "2026-05-01")
	for i := 0; i < 10; i++ {
		require.NoError(t, ix.UpsertDay(base.AddDays(i), DeltaFor(50, types.ActionWarned)))
	}

	evicted := ix.EvictBefore(base.AddDays(4))
	assert.Equal(t, []types.Date{base, base.AddDays(1), base.AddDays(2), base.AddDays(3)}, evicted)
	assert.Equal(t, 6, ix.Len())

	horizon, ok := ix.Horizon()
	require.True(t, ok)
	assert.Equal(t, base.AddDays(4), horizon)

	err := ix.UpsertDay(base.AddDays(1), DeltaFor(50, types.ActionWarned))
	assert.ErrorIs(t, err, ErrBeyondHorizon)

	// an older cutoff never moves the horizon back
	assert.Empty(t, ix.EvictBefore(base))
	horizon, _ = ix.Horizon()
	assert.Equal(t, base.AddDays(4), horizon)

	days := ix.Days()
	require.Len(t, days, 6)
	assert.Equal(t, base.AddDays(4), days[0].Date)
	assert.Equal(t, base.AddDays(9), days[5].Date)
}

func TestUpsertRejectsInvalidDelta(t *testing.T) {
	ix := NewIndex()
	err := ix.UpsertDay(mustDate(t, "2026-01-01"), Delta{Count: 1, ScoreUnits: 1})
	assert.ErrorIs(t, err, ErrInvalidDelta)
	assert.Equal(t, 0, ix.Len())
}

func TestUpsertWithRunsUnderDayLock(t *testing.T) {
	ix := NewIndex()
	day := mustDate(t, "2026-01-01")

	var calls int
	require.NoError(t, ix.UpsertDayWith(day, DeltaFor(10, types.ActionBlocked), func() { calls++ }))
	assert.Equal(t, 1, calls)

	ix.EvictBefore(day.AddDays(1))
	err := ix.UpsertDayWith(day, DeltaFor(10, types.ActionBlocked), func() { calls++ })
	assert.ErrorIs(t, err, ErrBeyondHorizon)
	assert.Equal(t, 1, calls, "within is skipped when the update fails")
}

func TestRestore(t *testing.T) {
	ix := NewIndex()
	d1 := mustDate(t, "2026-02-01")
	d2 := mustDate(t, "2026-02-03")

	days := []DailyAggregate{
		{Date: d2, Count: 2, ScoreUnits: types.ScoreUnits(150), AllowedCount: 2},
		{Date: d1, Count: 1, ScoreUnits: types.ScoreUnits(20), BlockedCount: 1},
	}
	require.NoError(t, ix.Restore(days, d1, true))

	got := ix.Days()
	require.Len(t, got, 2)
	assert.Equal(t, d1, got[0].Date)
	assert.Equal(t, d2, got[1].Date)

	bad := []DailyAggregate{{Date: d1, Count: 2, AllowedCount: 1}}
	assert.Error(t, ix.Restore(bad, 0, false))
	assert.Len(t, ix.Days(), 2, "failed restore leaves state untouched")
}

func TestConcurrentUpsertsAcrossDays(t *testing.T) {
	ix := NewIndex()
	base := mustDate(t, "2026-07-01")

	const workers, perWorker = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				action := types.Actions[i%3]
				_ = ix.UpsertDay(base.AddDays(i%5), DeltaFor(float64(i%101), action))
			}
		}(w)
	}
	wg.Wait()

	var total int64
	for _, d := range ix.Days() {
		assert.True(t, d.Consistent())
		total += d.Count
	}
	assert.Equal(t, int64(workers*perWorker), total)
}

// Property: any sequence of single-event deltas keeps every rollup consistent
// and the overall count equal to the number of deltas.
func TestIndexInvariantProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("rollups stay consistent", prop.ForAll(
		func(offsets []int, scores []int) bool {
			ix := NewIndex()
			base := types.Date(20000)
			n := len(offsets)
			if len(scores) < n {
				n = len(scores)
			}
			for i := 0; i < n; i++ {
				action := types.Actions[scores[i]%3]
				if err := ix.UpsertDay(base.AddDays(offsets[i]), DeltaFor(float64(scores[i]), action)); err != nil {
					return false
				}
			}
			var total int64
			prev := types.Date(-1 << 62)
			for _, d := range ix.Days() {
				if !d.Consistent() || d.Date <= prev {
					return false
				}
				prev = d.Date
				total += d.Count
			}
			return total == int64(n)
		},
		gen.SliceOf(gen.IntRange(0, 30)),
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}
