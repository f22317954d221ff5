// Package types holds the data model shared by the trustlens engine packages.
package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Trust score bounds.
const (
	MinTrustScore = 0.0
	MaxTrustScore = 100.0
)

// Action is the discrete classification of a trust score.
type Action string

const (
	ActionAllowed Action = "allowed"
	ActionWarned  Action = "warned"
	ActionBlocked Action = "blocked"
)

// Actions lists every action in reporting order.
var Actions = []Action{ActionAllowed, ActionWarned, ActionBlocked}

// ParseAction accepts the canonical lowercase names as well as the
// ALLOW/WARN/BLOCK spelling used by upstream evaluators.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allowed", "allow":
		return ActionAllowed, nil
	case "warned", "warn":
		return ActionWarned, nil
	case "blocked", "block":
		return ActionBlocked, nil
	default:
		return "", fmt.Errorf("unknown action %q", s)
	}
}

// Valid reports whether a is one of the three known actions.
func (a Action) Valid() bool {
	return a == ActionAllowed || a == ActionWarned || a == ActionBlocked
}

// EvaluationEvent is one scored LLM response. Events are immutable once
// appended to the event store.
type EvaluationEvent struct {
	ID         EventID           `json:"id"`
	Seq        uint64            `json:"seq"`
	Timestamp  time.Time         `json:"timestamp"`
	TrustScore float64           `json:"trust_score"`
	Action     Action            `json:"action"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Day returns the UTC calendar day the event belongs to.
func (e *EvaluationEvent) Day() Date {
	return DateOf(e.Timestamp)
}

// ScoreInRange reports whether score lies within [0,100].
func ScoreInRange(score float64) bool {
	// NaN fails both comparisons
	return score >= MinTrustScore && score <= MaxTrustScore
}

// ScoreScale is the fixed-point scale of summed scores. Sums are kept as
// integers so they do not depend on the order events were applied in.
const ScoreScale = 1_000_000

// ScoreUnits converts a trust score to fixed-point units.
func ScoreUnits(score float64) int64 {
	return int64(math.Round(score * ScoreScale))
}

// UnitsToScore converts fixed-point units back to a score.
func UnitsToScore(units int64) float64 {
	return float64(units) / ScoreScale
}
