package trend

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/trustlens/trustlens/pkg/types"
)

var (
	// ErrBeyondHorizon is returned for days older than the eviction horizon.
	ErrBeyondHorizon = errors.New("trend: day is older than the retention horizon")

	// ErrDayEvicted is returned when a day was evicted between lookup and
	// lock. The caller may retry.
	ErrDayEvicted = errors.New("trend: day evicted during update")

	// ErrInvalidDelta is returned for deltas whose action counts do not add up.
	ErrInvalidDelta = errors.New("trend: action counts do not match count")
)

type dayEntry struct {
	mu      sync.RWMutex
	agg     DailyAggregate
	evicted bool
}

// Index maps calendar days to their rollups, sorted by date. Each day has
// its own lock so updates to different days proceed in parallel.
type Index struct {
	mu         sync.RWMutex
	days       map[types.Date]*dayEntry
	order      []types.Date // ascending
	horizon    types.Date
	hasHorizon bool
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{days: make(map[types.Date]*dayEntry)}
}

// UpsertDay adds delta to the rollup of date, creating it if needed.
func (ix *Index) UpsertDay(date types.Date, delta Delta) error {
	return ix.UpsertDayWith(date, delta, nil)
}

// UpsertDayWith is UpsertDay that also runs within while the day's lock is
// held, after the delta is applied. within must not call back into the index.
func (ix *Index) UpsertDayWith(date types.Date, delta Delta, within func()) error {
	if !delta.Valid() {
		return ErrInvalidDelta
	}

	entry, err := ix.lookupOrCreate(date)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.evicted {
		return ErrDayEvicted
	}
	entry.agg.apply(delta)
	if within != nil {
		within()
	}
	return nil
}

func (ix *Index) lookupOrCreate(date types.Date) (*dayEntry, error) {
	ix.mu.RLock()
	entry, ok := ix.days[date]
	beyond := ix.hasHorizon && date < ix.horizon
	ix.mu.RUnlock()
	if beyond {
		return nil, ErrBeyondHorizon
	}
	if ok {
		return entry, nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.hasHorizon && date < ix.horizon {
		return nil, ErrBeyondHorizon
	}
	if entry, ok := ix.days[date]; ok {
		return entry, nil
	}
	entry = &dayEntry{agg: DailyAggregate{Date: date}}
	ix.days[date] = entry
	ix.insertOrdered(date)
	return entry, nil
}

func (ix *Index) insertOrdered(date types.Date) {
	i := sort.Search(len(ix.order), func(i int) bool { return ix.order[i] >= date })
	ix.order = append(ix.order, 0)
	copy(ix.order[i+1:], ix.order[i:])
	ix.order[i] = date
}

// Get returns a copy of the rollup for date. Days without events yield an
// empty aggregate and false.
func (ix *Index) Get(date types.Date) (DailyAggregate, bool) {
	ix.mu.RLock()
	entry, ok := ix.days[date]
	ix.mu.RUnlock()
	if !ok {
		return DailyAggregate{Date: date}, false
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.agg, true
}

// LastNDays returns exactly n rollups ending at today, oldest first. Days
// without events are present with Count 0.
func (ix *Index) LastNDays(n int, today types.Date) []DailyAggregate {
	if n <= 0 {
		return nil
	}
	out := make([]DailyAggregate, n)
	start := today.AddDays(-(n - 1))
	for i := 0; i < n; i++ {
		out[i], _ = ix.Get(start.AddDays(i))
	}
	return out
}

// EvictBefore removes every day older than cutoff and moves the horizon to
// cutoff. It returns the evicted days in ascending order.
func (ix *Index) EvictBefore(cutoff types.Date) []types.Date {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.hasHorizon || cutoff > ix.horizon {
		ix.horizon = cutoff
		ix.hasHorizon = true
	}

	n := sort.Search(len(ix.order), func(i int) bool { return ix.order[i] >= cutoff })
	if n == 0 {
		return nil
	}
	evicted := make([]types.Date, n)
	copy(evicted, ix.order[:n])
	for _, date := range evicted {
		entry := ix.days[date]
		entry.mu.Lock()
		entry.evicted = true
		entry.mu.Unlock()
		delete(ix.days, date)
	}
	ix.order = append(ix.order[:0], ix.order[n:]...)
	return evicted
}

// Horizon returns the eviction cutoff, if any eviction has happened.
func (ix *Index) Horizon() (types.Date, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.horizon, ix.hasHorizon
}

// Len returns the number of stored days.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

// Days returns copies of all stored rollups in date order.
func (ix *Index) Days() []DailyAggregate {
	ix.mu.RLock()
	entries := make([]*dayEntry, 0, len(ix.order))
	for _, date := range ix.order {
		entries = append(entries, ix.days[date])
	}
	ix.mu.RUnlock()

	out := make([]DailyAggregate, 0, len(entries))
	for _, entry := range entries {
		entry.mu.RLock()
		out = append(out, entry.agg)
		entry.mu.RUnlock()
	}
	return out
}

// Restore replaces the index contents with days and the given horizon.
func (ix *Index) Restore(days []DailyAggregate, horizon types.Date, hasHorizon bool) error {
	fresh := make(map[types.Date]*dayEntry, len(days))
	order := make([]types.Date, 0, len(days))
	for _, d := range days {
		if !d.Consistent() {
			return fmt.Errorf("trend: inconsistent rollup for %s", d.Date)
		}
		if _, dup := fresh[d.Date]; dup {
			return fmt.Errorf("trend: duplicate rollup for %s", d.Date)
		}
		if hasHorizon && d.Date < horizon {
			continue
		}
		fresh[d.Date] = &dayEntry{agg: d}
		order = append(order, d.Date)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, entry := range ix.days {
		entry.mu.Lock()
		entry.evicted = true
		entry.mu.Unlock()
	}
	ix.days = fresh
	ix.order = order
	ix.horizon = horizon
	ix.hasHorizon = hasHorizon
	return nil
}
