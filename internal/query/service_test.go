package query

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustlens/trustlens/internal/aggregate"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/trend"
	"github.com/trustlens/trustlens/pkg/types"
)

var now = time.Date(2026, 6, 10, 15, 0, 0, 0, time.UTC)

func newService(t *testing.T, precision int) (*Service, *aggregate.Aggregator) {
	t.Helper()
	agg := aggregate.New(trend.NewIndex(), aggregate.DefaultConfig(), nil)
	svc := NewService(agg, Config{RetentionDays: 30, Precision: precision})
	svc.SetClock(func() time.Time { return now })
	return svc, agg
}

func record(t *testing.T, agg *aggregate.Aggregator, id string, score float64, action types.Action, ts time.Time) {
	t.Helper()
	_, err := agg.Record(&types.EvaluationEvent{ID: types.EventID(id), Timestamp: ts, TrustScore: score, Action: action})
	require.NoError(t, err)
}

func TestSnapshotEmpty(t *testing.T) {
	svc, _ := newService(t, 2)
	snap := svc.GetSnapshot()
	assert.Equal(t, Snapshot{}, snap)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total_evaluations":0,"average_trust_score":0,"blocked_count":0,"warned_count":0,"allowed_count":0}`, string(raw))
}

func TestSnapshotRounding(t *testing.T) {
	svc, agg := newService(t, 2)
	record(t, agg, "a", 100, types.ActionAllowed, now)
	record(t, agg, "b", 50, types.ActionWarned, now)
	record(t, agg, "c", 50, types.ActionWarned, now)

	snap := svc.GetSnapshot()
	assert.Equal(t, int64(3), snap.TotalEvaluations)
	assert.Equal(t, 66.67, snap.AverageTrustScore)
	assert.Equal(t, int64(1), snap.AllowedCount)
	assert.Equal(t, int64(2), snap.WarnedCount)

	svc1, agg1 := newService(t, 1)
	record(t, agg1, "a", 100, types.ActionAllowed, now)
	record(t, agg1, "b", 50, types.ActionWarned, now)
	record(t, agg1, "c", 50, types.ActionWarned, now)
	assert.Equal(t, 66.7, svc1.GetSnapshot().AverageTrustScore)
}

func TestTrendCompleteness(t *testing.T) {
	svc, agg := newService(t, 2)
	record(t, agg, "today-1", 70, types.ActionWarned, now)
	record(t, agg, "today-2", 80, types.ActionAllowed, now)
	record(t, agg, "today-3", 90, types.ActionAllowed, now)
	record(t, agg, "minus2", 40, types.ActionBlocked, now.AddDate(0, 0, -2))
	record(t, agg, "minus6", 60, types.ActionWarned, now.AddDate(0, 0, -6))

	points, err := svc.GetTrend(7)
	require.NoError(t, err)
	require.Len(t, points, 7)

	var empty int
	for i, p := range points {
		assert.Equal(t, types.DateOf(now).AddDays(i-6), p.Date)
		if p.AvgTrust == nil {
			empty++
		}
	}
	assert.Equal(t, 4, empty)
	require.NotNil(t, points[6].AvgTrust)
	assert.Equal(t, 80.0, *points[6].AvgTrust)
	assert.Equal(t, 40.0, *points[4].AvgTrust)
	assert.Equal(t, 60.0, *points[0].AvgTrust)

	raw, err := json.Marshal(points[5])
	require.NoError(t, err)
	assert.JSONEq(t, fmt.Sprintf(`{"date":%q,"avg_trust":null}`, types.DateOf(now).AddDays(-1)), string(raw))
}

func TestTrendRange(t *testing.T) {
	svc, _ := newService(t, 2)

	for _, days := range []int{0, -3, 31} {
		_, err := svc.GetTrend(days)
		require.Error(t, err, days)
		assert.ErrorIs(t, err, terrors.ErrInvalidRange)
	}

	points, err := svc.GetTrend(30)
	require.NoError(t, err)
	assert.Len(t, points, 30)

	points, err = svc.GetTrend(1)
	require.NoError(t, err)
	assert.Len(t, points, 1)
}

func TestSummaryRates(t *testing.T) {
	svc, agg := newService(t, 2)
	sum := svc.GetSummary()
	assert.Nil(t, sum.BlockRate)
	assert.Nil(t, sum.WarnRate)

	record(t, agg, "a", 10, types.ActionBlocked, now)
	record(t, agg, "b", 60, types.ActionWarned, now)
	record(t, agg, "c", 90, types.ActionAllowed, now)

	sum = svc.GetSummary()
	require.NotNil(t, sum.BlockRate)
	assert.Equal(t, 0.33, *sum.BlockRate)
	assert.Equal(t, 0.33, *sum.WarnRate)
	assert.Equal(t, int64(3), sum.TotalEvaluations)
}

func TestQueriesConcurrentWithRecords(t *testing.T) {
	svc, agg := newService(t, 2)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				_, err := agg.Record(&types.EvaluationEvent{
					ID:         types.EventID(fmt.Sprintf("w%d-%d", w, i)),
					Timestamp:  now.AddDate(0, 0, -(i % 10)),
					TrustScore: 80,
					Action:     types.ActionAllowed,
				})
				assert.NoError(t, err)
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snap := svc.GetSnapshot()
				assert.Equal(t, snap.TotalEvaluations, snap.AllowedCount+snap.WarnedCount+snap.BlockedCount)
				_, err := svc.GetTrend(10)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(400), svc.GetSnapshot().TotalEvaluations)
}
