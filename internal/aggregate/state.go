package aggregate

import (
	"fmt"

	"github.com/trustlens/trustlens/internal/trend"
	"github.com/trustlens/trustlens/pkg/types"
)

// State is a consistent copy of everything the aggregator owns, used for
// checkpoints. Slices are sorted so equal states encode identically.
type State struct {
	Global    GlobalAggregate        `json:"global"`
	Days      []trend.DailyAggregate `json:"days"`
	Horizon   *types.Date            `json:"horizon,omitempty"`
	SeenIDs   []types.EventID        `json:"seen_ids"`
	Watermark uint64                 `json:"watermark"`
}

// Export captures the aggregator state. In-flight records finish first and
// new ones wait until the copy is taken.
func (a *Aggregator) Export() *State {
	a.gate.Lock()
	defer a.gate.Unlock()

	st := &State{
		Global:    a.Snapshot(),
		Days:      a.index.Days(),
		SeenIDs:   a.seen.committedIDs(),
		Watermark: a.watermark.get(),
	}
	if st.Days == nil {
		st.Days = []trend.DailyAggregate{}
	}
	if st.SeenIDs == nil {
		st.SeenIDs = []types.EventID{}
	}
	if h, ok := a.index.Horizon(); ok {
		st.Horizon = &h
	}
	return st
}

// Restore replaces the aggregator state. It must not run concurrently with
// Record.
func (a *Aggregator) Restore(st *State) error {
	if st == nil {
		return fmt.Errorf("aggregate: nil state")
	}
	if !st.Global.Consistent() {
		return fmt.Errorf("aggregate: inconsistent global aggregate in state")
	}

	a.gate.Lock()
	defer a.gate.Unlock()

	var horizon types.Date
	if st.Horizon != nil {
		horizon = *st.Horizon
	}
	if err := a.index.Restore(st.Days, horizon, st.Horizon != nil); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}

	a.mu.Lock()
	a.global = st.Global
	a.mu.Unlock()

	a.seen.reset(st.SeenIDs)
	a.watermark.reset(st.Watermark)
	return nil
}
