// Package eventstore provides the durable, append-only store of evaluation
// events. Once Append returns, the event survives a crash and restart.
package eventstore

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/trustlens/trustlens/internal/config"
	terrors "github.com/trustlens/trustlens/internal/errors"
	"github.com/trustlens/trustlens/pkg/types"
)

// ErrDuplicateID is returned by Append when an event with the same id is
// already stored. The stored event is left untouched.
var ErrDuplicateID = errors.New("eventstore: duplicate event id")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("eventstore: store closed")

// ScanFunc is called for every event visited by Scan. Returning an error
// stops the scan and is returned from Scan.
type ScanFunc func(ev *types.EvaluationEvent) error

// Store is an append-only log of evaluation events.
type Store interface {
	// Append durably stores the event and assigns its sequence number.
	// It never updates or deletes existing events.
	Append(ctx context.Context, ev *types.EvaluationEvent) (types.EventID, error)

	// Get returns the event with the given id, or an error matching
	// errors.ErrNotFound.
	Get(ctx context.Context, id types.EventID) (*types.EvaluationEvent, error)

	// Scan visits every event with Seq > afterSeq in sequence order.
	Scan(ctx context.Context, afterSeq uint64, fn ScanFunc) error

	// List returns a newest-first page and the total number of events.
	List(ctx context.Context, offset, limit int) ([]*types.EvaluationEvent, int, error)

	// LastSeq returns the highest assigned sequence number.
	LastSeq() uint64

	// Close releases the store's resources.
	Close() error
}

// Open creates the store selected by cfg.Type.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Type {
	case config.StoreTypeLog, "":
		return OpenLog(cfg.Dir, cfg.MaxSegmentBytes)
	case config.StoreTypeSQLite:
		return OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("eventstore: unknown store type %q", cfg.Type)
	}
}

// Validate checks an event before it is appended.
func Validate(ev *types.EvaluationEvent) error {
	if ev == nil {
		return terrors.NewValidationError(terrors.CodeInvalidBody, "event is required")
	}
	if !ev.ID.Valid() {
		return terrors.NewValidationError(terrors.CodeInvalidID, "event id is empty or malformed").
			WithDetails(map[string]interface{}{"id": string(ev.ID)})
	}
	if math.IsNaN(ev.TrustScore) || !types.ScoreInRange(ev.TrustScore) {
		return terrors.NewValidationError(terrors.CodeInvalidScore,
			fmt.Sprintf("trust_score must be between %v and %v", types.MinTrustScore, types.MaxTrustScore)).
			WithDetails(map[string]interface{}{"trust_score": ev.TrustScore})
	}
	if ev.Timestamp.IsZero() {
		return terrors.NewValidationError(terrors.CodeMissingTimestamp, "timestamp is required")
	}
	if !ev.Action.Valid() {
		return terrors.NewValidationError(terrors.CodeInvalidAction, "action must be allowed, warned or blocked").
			WithDetails(map[string]interface{}{"action": string(ev.Action)})
	}
	return nil
}

// writeError classifies a failed write. Deadline and cancellation surface
// as WRITE_TIMEOUT, everything else as WRITE_FAILED; both are retryable.
func writeError(ctx context.Context, msg string, cause error) error {
	if errors.Is(cause, context.DeadlineExceeded) || errors.Is(cause, context.Canceled) || ctx.Err() != nil {
		if cause == nil {
			cause = ctx.Err()
		}
		return terrors.NewDurabilityError(terrors.CodeWriteTimeout, msg, cause)
	}
	return terrors.NewDurabilityError(terrors.CodeWriteFailed, msg, cause)
}

func readError(msg string, cause error) error {
	return terrors.NewDurabilityError(terrors.CodeReadFailed, msg, cause)
}

func notFound(id types.EventID) error {
	return terrors.New(terrors.ErrCategoryDurability, terrors.CodeNotFound, fmt.Sprintf("event %s not found", id)).
		WithDetails(map[string]interface{}{"id": string(id)})
}
