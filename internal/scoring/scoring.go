// Package scoring turns evaluation signals into trust scores and maps trust
// scores onto actions.
//
// Engines never depend on a concrete scorer: callers either submit a score
// computed elsewhere, or the engine runs whichever Scorer it was built with.
package scoring

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/trustlens/trustlens/internal/config"
	"github.com/trustlens/trustlens/pkg/types"
)

// Risk levels recognized by the weighted scorer.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// Signals are the raw reliability signals for one LLM response.
type Signals struct {
	// Hallucination is the estimated hallucination probability in [0,1].
	Hallucination float64 `json:"hallucination"`

	// Grounding is the grounding strength in [0,1].
	Grounding float64 `json:"grounding"`

	// Risk is the business risk level (LOW, MEDIUM, HIGH, CRITICAL).
	Risk string `json:"risk,omitempty"`

	NumberConflict     bool `json:"number_conflict,omitempty"`
	ConfidenceMismatch bool `json:"confidence_mismatch,omitempty"`
	SemanticRisk       bool `json:"semantic_risk,omitempty"`
}

// Result is the output of a Scorer.
type Result struct {
	TrustScore  float64            `json:"trust_score"`
	Recommended types.Action       `json:"recommended_action"`
	Breakdown   map[string]float64 `json:"breakdown,omitempty"`
}

// Scorer computes a trust score from signals.
type Scorer interface {
	Score(ctx context.Context, signals Signals) (Result, error)
}

// Thresholds are the inclusive upper bounds of the blocked and warned bands.
// A score above WarnedMax is allowed.
type Thresholds struct {
	BlockedMax float64
	WarnedMax  float64
}

// DefaultThresholds returns blocked <= 49 < warned <= 74 < allowed.
func DefaultThresholds() Thresholds {
	return Thresholds{BlockedMax: 49, WarnedMax: 74}
}

// ThresholdsFromConfig converts the engine threshold settings.
func ThresholdsFromConfig(cfg config.ThresholdConfig) Thresholds {
	return Thresholds{BlockedMax: cfg.BlockedMax, WarnedMax: cfg.WarnedMax}
}

// Validate checks 0 <= BlockedMax < WarnedMax <= 100.
func (t Thresholds) Validate() error {
	if t.BlockedMax < types.MinTrustScore || t.WarnedMax > types.MaxTrustScore || t.BlockedMax >= t.WarnedMax {
		return fmt.Errorf("invalid thresholds: blocked_max=%v warned_max=%v", t.BlockedMax, t.WarnedMax)
	}
	return nil
}

// Classify maps a trust score to its action.
func (t Thresholds) Classify(score float64) types.Action {
	switch {
	case score <= t.BlockedMax:
		return types.ActionBlocked
	case score <= t.WarnedMax:
		return types.ActionWarned
	default:
		return types.ActionAllowed
	}
}

// WeightedScorer subtracts weighted penalties from a base score.
type WeightedScorer struct {
	weights    config.ScoringConfig
	thresholds Thresholds
}

// NewWeightedScorer creates a scorer with the given weights.
func NewWeightedScorer(weights config.ScoringConfig, thresholds Thresholds) (*WeightedScorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	return &WeightedScorer{weights: weights, thresholds: thresholds}, nil
}

// Score implements Scorer. The final score is truncated to an integer and
// clamped to [0,100].
func (s *WeightedScorer) Score(ctx context.Context, sig Signals) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	w := s.weights

	hallucination := clampProbability(sig.Hallucination)
	grounding := clampProbability(sig.Grounding)

	hallucinationPenalty := hallucination * w.HallucinationWeight
	groundingPenalty := (1 - grounding) * w.GroundingWeight

	var riskPenalty float64
	switch strings.ToUpper(strings.TrimSpace(sig.Risk)) {
	case RiskCritical:
		riskPenalty = w.CriticalRiskPenalty
	case RiskHigh:
		riskPenalty = w.HighRiskPenalty
	case RiskMedium:
		riskPenalty = w.MediumRiskPenalty
	}

	var numberPenalty, confidencePenalty, semanticPenalty float64
	if sig.NumberConflict {
		numberPenalty = w.NumberConflictPenalty
	}
	if sig.ConfidenceMismatch {
		confidencePenalty = w.ConfidenceMismatchPenalty
	}
	if sig.SemanticRisk {
		semanticPenalty = w.SemanticRiskPenalty
	}

	total := hallucinationPenalty + groundingPenalty + riskPenalty +
		numberPenalty + confidencePenalty + semanticPenalty

	score := math.Trunc(w.BaseScore - total)
	score = math.Max(types.MinTrustScore, math.Min(types.MaxTrustScore, score))

	return Result{
		TrustScore:  score,
		Recommended: s.thresholds.Classify(score),
		Breakdown: map[string]float64{
			"hallucination_penalty":       round2(hallucinationPenalty),
			"grounding_penalty":           round2(groundingPenalty),
			"risk_penalty":                riskPenalty,
			"number_conflict_penalty":     numberPenalty,
			"confidence_mismatch_penalty": confidencePenalty,
			"semantic_risk_penalty":       semanticPenalty,
			"total_penalty":               round2(total),
			"final_score":                 score,
		},
	}, nil
}

// StaticScorer always returns the same score. Useful as a deterministic
// stand-in where a real scorer is not wired.
type StaticScorer struct {
	TrustScore float64
	Thresholds Thresholds
}

// Score implements Scorer.
func (s StaticScorer) Score(ctx context.Context, _ Signals) (Result, error) {
	if !types.ScoreInRange(s.TrustScore) {
		return Result{}, fmt.Errorf("static score %v out of range", s.TrustScore)
	}
	return Result{TrustScore: s.TrustScore, Recommended: s.Thresholds.Classify(s.TrustScore)}, nil
}

func clampProbability(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
