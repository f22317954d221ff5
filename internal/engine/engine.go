// Package engine ties the event store, the aggregator and the query service
// into the record and query operations exposed by the API layers.
//
// A submitted evaluation is scored, classified, durably appended and then
// recorded into the aggregates. Append and record form one logical unit:
// when recording fails after a successful append, the stored event is queued
// and redelivered until it is counted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/trustlens/trustlens/internal/aggregate"
	"github.com/trustlens/trustlens/internal/checkpoint"
	"github.com/trustlens/trustlens/internal/config"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/internal/eventstore"
	"github.com/trustlens/trustlens/internal/notify"
	"github.com/trustlens/trustlens/internal/observability"
	"github.com/trustlens/trustlens/internal/query"
	"github.com/trustlens/trustlens/internal/scoring"
	"github.com/trustlens/trustlens/internal/trend"
	"github.com/trustlens/trustlens/pkg/types"
)

// Options are the collaborators of an Engine. Only Store is required.
type Options struct {
	Store eventstore.Store

	// Scorer turns submitted signals into a score. Defaults to the weighted
	// scorer built from the scoring config.
	Scorer scoring.Scorer

	// Checkpoints is nil when checkpoints are disabled.
	Checkpoints *checkpoint.Manager

	Notifier *notify.Notifier
	Metrics  *observability.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time
}

// SubmitRequest is one evaluation as received from a caller. Exactly one of
// TrustScore and Signals must be set.
type SubmitRequest struct {
	ID         types.EventID     `json:"id,omitempty"`
	TrustScore *float64          `json:"trust_score,omitempty"`
	Signals    *scoring.Signals  `json:"signals,omitempty"`
	Action     string            `json:"action,omitempty"`
	Timestamp  *time.Time        `json:"timestamp,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SubmitResult describes the stored evaluation.
type SubmitResult struct {
	ID         types.EventID `json:"id"`
	Seq        uint64        `json:"seq"`
	TrustScore float64       `json:"trust_score"`
	Action     types.Action  `json:"action"`
	Timestamp  time.Time     `json:"timestamp"`

	// Created is false when the id was already stored.
	Created bool `json:"created"`
}

// RecoveryStats reports what Recover did.
type RecoveryStats struct {
	FromCheckpoint      bool          `json:"from_checkpoint"`
	CheckpointWatermark uint64        `json:"checkpoint_watermark"`
	Replayed            int           `json:"replayed"`
	Duplicates          int           `json:"duplicates"`
	Failed              int           `json:"failed"`
	Watermark           uint64        `json:"watermark"`
	Duration            time.Duration `json:"duration_ns"`
}

// Engine is the trust-evaluation and aggregation engine.
type Engine struct {
	cfg        config.EngineConfig
	store      eventstore.Store
	writeTO    time.Duration
	scorer     scoring.Scorer
	thresholds scoring.Thresholds
	agg        *aggregate.Aggregator
	query      *query.Service
	ckpt       *checkpoint.Manager
	notifier   *notify.Notifier
	metrics    *observability.Metrics
	ids        *types.IDGenerator
	now        func() time.Time

	// submitMu is held shared across append+record and exclusively while a
	// checkpoint decides its watermark.
	submitMu sync.RWMutex

	pendingMu sync.Mutex
	pending   map[types.EventID]*types.EvaluationEvent

	closeOnce sync.Once

	// injected before each record in tests
	beforeRecord func(ev *types.EvaluationEvent) error
}

// New creates an engine. Call Recover before serving traffic.
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: event store is required")
	}

	thresholds := scoring.ThresholdsFromConfig(cfg.Engine.ActionThresholds)
	if err := thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	scorer := opts.Scorer
	if scorer == nil {
		ws, err := scoring.NewWeightedScorer(cfg.Scoring, thresholds)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		scorer = ws
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	aggCfg := aggregate.DefaultConfig()
	if cfg.Engine.MaxRecordAttempts > 0 {
		aggCfg.MaxAttempts = cfg.Engine.MaxRecordAttempts
	}
	if cfg.Engine.RecordBackoff > 0 {
		aggCfg.Backoff = cfg.Engine.RecordBackoff
	}

	var observer aggregate.Observer
	if opts.Metrics != nil {
		observer = opts.Metrics
	}
	agg := aggregate.New(trend.NewIndex(), aggCfg, observer)

	qs := query.NewService(agg, query.Config{
		RetentionDays: cfg.Engine.RetentionDays,
		Precision:     cfg.Engine.AverageRoundingPrecision,
	})
	qs.SetClock(now)

	return &Engine{
		cfg:        cfg.Engine,
		store:      opts.Store,
		writeTO:    cfg.Store.WriteTimeout,
		scorer:     scorer,
		thresholds: thresholds,
		agg:        agg,
		query:      qs,
		ckpt:       opts.Checkpoints,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		ids:        types.NewIDGenerator(),
		now:        now,
		pending:    make(map[types.EventID]*types.EvaluationEvent),
	}, nil
}

// Query returns the read-only query service.
func (e *Engine) Query() *query.Service {
	return e.query
}

// Aggregator returns the aggregator, for checkpoint tooling and tests.
func (e *Engine) Aggregator() *aggregate.Aggregator {
	return e.agg
}

// Store returns the event store.
func (e *Engine) Store() eventstore.Store {
	return e.store
}

// Thresholds returns the configured classification thresholds.
func (e *Engine) Thresholds() scoring.Thresholds {
	return e.thresholds
}

// Submit scores, classifies, stores and records one evaluation.
//
// Validation failures are returned before anything is stored. A store
// failure is returned as a retryable DurabilityError and nothing is
// recorded. A failure to record after the append does not fail the call:
// the event is durable and is queued for redelivery.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	score, err := e.resolveScore(ctx, req)
	if err != nil {
		return nil, err
	}

	action := e.thresholds.Classify(score)
	if req.Action != "" {
		given, err := types.ParseAction(req.Action)
		if err != nil {
			return nil, terrors.NewValidationError(terrors.CodeInvalidAction, err.Error()).
				WithDetails(map[string]interface{}{"action": req.Action})
		}
		if given != action {
			return nil, terrors.NewValidationError(terrors.CodeInvalidAction,
				fmt.Sprintf("action %s does not match %s derived from trust_score %v", given, action, score)).
				WithDetails(map[string]interface{}{"action": req.Action, "expected": string(action)})
		}
	}

	ts := e.now().UTC()
	if req.Timestamp != nil {
		if req.Timestamp.IsZero() {
			return nil, terrors.NewValidationError(terrors.CodeMissingTimestamp, "timestamp must not be zero")
		}
		ts = req.Timestamp.UTC()
	}

	id := req.ID
	if id != "" {
		if !id.Valid() {
			return nil, terrors.NewValidationError(terrors.CodeInvalidID, "id is empty or malformed").
				WithDetails(map[string]interface{}{"id": string(id)})
		}
		if existing, err := e.store.Get(ctx, id); err == nil {
			return e.existing(existing), nil
		} else if !errors.Is(err, terrors.ErrNotFound) {
			return nil, err
		}
	} else {
		id, err = e.ids.Next()
		if err != nil {
			return nil, terrors.NewInternalError("failed to generate event id", err)
		}
	}

	ev := &types.EvaluationEvent{
		ID:         id,
		Timestamp:  ts,
		TrustScore: score,
		Action:     action,
		Metadata:   req.Metadata,
	}
	if err := eventstore.Validate(ev); err != nil {
		return nil, err
	}

	e.submitMu.RLock()
	defer e.submitMu.RUnlock()

	if err := e.append(ctx, ev); err != nil {
		if errors.Is(err, eventstore.ErrDuplicateID) {
			stored, getErr := e.store.Get(ctx, id)
			if getErr != nil {
				return nil, getErr
			}
			return e.existing(stored), nil
		}
		return nil, err
	}

	e.record(ev)
	return &SubmitResult{
		ID:         ev.ID,
		Seq:        ev.Seq,
		TrustScore: ev.TrustScore,
		Action:     ev.Action,
		Timestamp:  ev.Timestamp,
		Created:    true,
	}, nil
}

func (e *Engine) resolveScore(ctx context.Context, req SubmitRequest) (float64, error) {
	switch {
	case req.TrustScore != nil && req.Signals != nil:
		return 0, terrors.NewValidationError(terrors.CodeInvalidBody, "trust_score and signals are mutually exclusive")
	case req.TrustScore != nil:
		score := *req.TrustScore
		if math.IsNaN(score) || !types.ScoreInRange(score) {
			return 0, terrors.NewValidationError(terrors.CodeInvalidScore,
				fmt.Sprintf("trust_score must be between %v and %v", types.MinTrustScore, types.MaxTrustScore)).
				WithDetails(map[string]interface{}{"trust_score": score})
		}
		return score, nil
	case req.Signals != nil:
		res, err := e.scorer.Score(ctx, *req.Signals)
		if err != nil {
			return 0, terrors.NewValidationError(terrors.CodeInvalidBody, "signals could not be scored: "+err.Error())
		}
		if !types.ScoreInRange(res.TrustScore) {
			return 0, terrors.NewInternalError(fmt.Sprintf("scorer returned %v", res.TrustScore), nil)
		}
		return res.TrustScore, nil
	default:
		return 0, terrors.NewValidationError(terrors.CodeInvalidScore, "trust_score is required")
	}
}

// existing answers an idempotent re-submission. The stored event is
// recorded in case an earlier attempt failed between append and record.
func (e *Engine) existing(ev *types.EvaluationEvent) *SubmitResult {
	if !e.agg.Seen(ev.ID) && e.record(ev) {
		e.dequeue(ev.ID)
	}
	return &SubmitResult{
		ID:         ev.ID,
		Seq:        ev.Seq,
		TrustScore: ev.TrustScore,
		Action:     ev.Action,
		Timestamp:  ev.Timestamp,
	}
}

func (e *Engine) append(ctx context.Context, ev *types.EvaluationEvent) error {
	if e.writeTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.writeTO)
		defer cancel()
	}

	start := time.Now()
	_, err := e.store.Append(ctx, ev)
	code := ""
	if err != nil && !errors.Is(err, eventstore.ErrDuplicateID) {
		code = terrors.GetCode(err)
		log.Printf("engine: append %s failed: %v", ev.ID, err)
	}
	e.metrics.AppendFinished(time.Since(start), code)
	return err
}

// record applies a stored event, queueing it for redelivery on failure.
func (e *Engine) record(ev *types.EvaluationEvent) bool {
	var (
		created bool
		err     error
	)
	if e.beforeRecord != nil {
		err = e.beforeRecord(ev)
	}
	if err == nil {
		created, err = e.agg.Record(ev)
	}
	if err != nil {
		log.Printf("engine: record %s (seq %d) failed, queued for redelivery: %v", ev.ID, ev.Seq, err)
		e.enqueue(ev)
		return false
	}
	if created {
		e.publish(notify.Notification{
			Type:    notify.AggregateUpdated,
			Date:    ev.Day(),
			EventID: ev.ID,
			Action:  ev.Action,
			Seq:     ev.Seq,
		})
	}
	return true
}

func (e *Engine) publish(n notify.Notification) {
	if e.notifier == nil {
		return
	}
	n.Total = e.agg.Snapshot().TotalCount
	e.notifier.Publish(n)
}

func (e *Engine) enqueue(ev *types.EvaluationEvent) {
	e.pendingMu.Lock()
	e.pending[ev.ID] = ev
	n := len(e.pending)
	e.pendingMu.Unlock()
	e.metrics.SetRedeliveryPending(n)
}

func (e *Engine) dequeue(id types.EventID) {
	e.pendingMu.Lock()
	delete(e.pending, id)
	e.pendingMu.Unlock()
}

// Pending returns the number of stored events awaiting redelivery.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// RedeliverPending retries recording every queued event in sequence order
// and returns how many remain queued. Events stay queued until recorded;
// ExportState relies on that.
func (e *Engine) RedeliverPending(ctx context.Context) int {
	e.pendingMu.Lock()
	batch := make([]*types.EvaluationEvent, 0, len(e.pending))
	for _, ev := range e.pending {
		batch = append(batch, ev)
	}
	e.pendingMu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Seq < batch[j].Seq })

	delivered := 0
	for _, ev := range batch {
		if ctx.Err() != nil {
			break
		}
		if e.record(ev) {
			e.dequeue(ev.ID)
			delivered++
		}
	}
	if delivered > 0 {
		log.Printf("engine: redelivered %d events", delivered)
	}

	remaining := e.Pending()
	e.metrics.SetRedeliveryPending(remaining)
	return remaining
}

// Recover rebuilds the aggregates: it restores the newest checkpoint, if
// any, then replays every stored event after the checkpoint watermark.
// Without a checkpoint the whole store is replayed. Days older than the
// retention window are evicted afterwards.
func (e *Engine) Recover(ctx context.Context) (*RecoveryStats, error) {
	start := time.Now()
	stats := &RecoveryStats{}

	if e.ckpt != nil {
		cp, err := e.ckpt.LoadLatest(ctx)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			if err := e.agg.Restore(cp.State); err != nil {
				return nil, terrors.NewCheckpointError(terrors.CodeCorrupt, "checkpoint state rejected", err)
			}
			stats.FromCheckpoint = true
			stats.CheckpointWatermark = cp.State.Watermark
			log.Printf("engine: restored checkpoint from %s (watermark %d)",
				cp.CreatedAt.Format(time.RFC3339), cp.State.Watermark)
		}
	}

	err := e.store.Scan(ctx, e.agg.Watermark(), func(ev *types.EvaluationEvent) error {
		created, err := e.agg.Record(ev)
		switch {
		case err != nil:
			stats.Failed++
			log.Printf("engine: replay of %s (seq %d) failed: %v", ev.ID, ev.Seq, err)
			e.enqueue(ev)
		case created:
			stats.Replayed++
		default:
			stats.Duplicates++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("engine: replay failed: %w", err)
	}

	// Sequence gaps in the store would otherwise hold the watermark back.
	if stats.Failed == 0 {
		e.agg.AdvanceWatermark(e.store.LastSeq())
	}
	e.Evict()

	stats.Watermark = e.agg.Watermark()
	stats.Duration = time.Since(start)
	log.Printf("engine: recovered (checkpoint=%v, replayed=%d, duplicates=%d, failed=%d, watermark=%d) in %v",
		stats.FromCheckpoint, stats.Replayed, stats.Duplicates, stats.Failed, stats.Watermark, stats.Duration)
	return stats, nil
}

// Evict drops day rollups that fall outside the retention window ending
// today. It returns the evicted days.
func (e *Engine) Evict() []types.Date {
	today := types.DateOf(e.now())
	cutoff := today.AddDays(-(e.cfg.RetentionDays - 1))
	evicted := e.agg.Index().EvictBefore(cutoff)
	for _, d := range evicted {
		e.publish(notify.Notification{Type: notify.DayEvicted, Date: d})
	}
	if len(evicted) > 0 {
		log.Printf("engine: evicted %d days before %s", len(evicted), cutoff)
	}
	e.metrics.SetTrendDays(e.agg.Index().Len())
	return evicted
}

// ExportState captures a consistent aggregate state. When nothing awaits
// redelivery, the watermark is first advanced to the store's last sequence
// so gaps in the sequence do not hold it back.
func (e *Engine) ExportState() *aggregate.State {
	e.submitMu.Lock()
	defer e.submitMu.Unlock()
	if e.Pending() == 0 {
		e.agg.AdvanceWatermark(e.store.LastSeq())
	}
	return e.agg.Export()
}

// Checkpoint saves the aggregate state. It returns the object path.
func (e *Engine) Checkpoint(ctx context.Context) (string, error) {
	if e.ckpt == nil {
		return "", terrors.NewCheckpointError(terrors.CodeSaveFailed, "checkpoints are disabled", nil)
	}
	st := e.ExportState()
	name, err := e.ckpt.Save(ctx, st)
	e.metrics.CheckpointSaved(err == nil)
	if err != nil {
		return "", err
	}
	e.publish(notify.Notification{Type: notify.CheckpointSaved, Seq: st.Watermark})
	return name, nil
}

// Close closes the event store.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		if n := e.Pending(); n > 0 {
			log.Printf("engine: closing with %d events awaiting redelivery; the checkpoint watermark stays below them and restart replays them", n)
		}
		err = e.store.Close()
	})
	return err
}
