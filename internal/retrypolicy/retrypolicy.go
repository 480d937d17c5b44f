// Package retrypolicy implements the Retry Policy Engine (C4): a pure
// function from a stage's failure context to a RetryDecision.
package retrypolicy

import (
	"math/rand"
	"time"

	"github.com/arclight/paperforge/internal/apperrors"
)

type DecisionKind string

const (
	Retry    DecisionKind = "RETRY"
	Fallback DecisionKind = "FALLBACK"
	Fail     DecisionKind = "FAIL"
	GiveUp   DecisionKind = "GIVE_UP"
)

type Decision struct {
	Kind          DecisionKind
	Delay         time.Duration // meaningful for Retry
	FallbackIndex int           // meaningful for Fallback
	Reason        string        // meaningful for Fail
}

// Policy carries the per-stage knobs the engine consults; callers derive
// these from the Stage Registry entry plus config.Engine.
type Policy struct {
	MaxAttempts   int
	FallbackCount int
	BackoffBase   time.Duration
	BackoffCeiling time.Duration
	Retryable     func(apperrors.Kind) bool
}

// Rand is injected so tests can seed the jitter source deterministically
// (SPEC_FULL.md §4.4: "tests inject a fixed seed").
type Rand interface {
	Float64() float64
}

// Decide implements the four ordered rules in §4.4, with LEASE_LOST
// special-cased ahead of rule 1 as the spec requires.
func Decide(p Policy, attempts, fallbackIndex int, err *apperrors.StageErr, attemptBudget int, rng Rand) Decision {
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	if err == nil {
		return Decision{Kind: GiveUp, Reason: "decide called without an error"}
	}

	if err.Kind == apperrors.KindLeaseLost {
		return Decision{Kind: Retry, Delay: 0}
	}

	if err.SuggestedFallback && fallbackIndex+1 < p.FallbackCount {
		return Decision{Kind: Fallback, FallbackIndex: fallbackIndex + 1}
	}

	retryable := p.Retryable != nil && p.Retryable(err.Kind)
	if !retryable {
		return Decision{Kind: Fail, Reason: "non_retryable"}
	}

	if attempts+1 < p.MaxAttempts && attemptBudget > 0 {
		return Decision{Kind: Retry, Delay: backoff(attempts, p.BackoffBase, p.BackoffCeiling, rng)}
	}

	return Decision{Kind: GiveUp}
}

// backoff implements base*2^n + uniform(0, base*2^n/2), capped at ceiling.
func backoff(attempts int, base, ceiling time.Duration, rng Rand) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	exp := base * (1 << uint(attempts))
	if exp <= 0 || exp > ceiling { // overflow guard: shifting too far wraps negative
		exp = ceiling
	}
	jitter := time.Duration(rng.Float64() * float64(exp) / 2)
	d := exp + jitter
	if d > ceiling {
		d = ceiling
	}
	return d
}
