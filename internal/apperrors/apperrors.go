// Package apperrors declares the error taxonomy stage workers and the
// engine communicate with, and a handful of Job Store sentinels.
package apperrors

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindInputInvalid      Kind = "INPUT_INVALID"
	KindTransient         Kind = "TRANSIENT"
	KindTimeout           Kind = "TIMEOUT"
	KindContractViolation Kind = "CONTRACT_VIOLATION"
	KindResourceExhausted Kind = "RESOURCE_EXHAUSTED"
	KindNonRetryable      Kind = "NON_RETRYABLE"
	KindCancelled         Kind = "CANCELLED"
	KindLeaseLost         Kind = "LEASE_LOST"
	KindInternal          Kind = "INTERNAL"
)

// StageErr is what a Stage Contract failure, or the Executor synthesizing
// one on timeout/cancellation/contract violation, looks like.
type StageErr struct {
	Kind              Kind
	Message           string
	Retryable         bool
	SuggestedFallback bool
	cause             error
}

func (e *StageErr) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StageErr) Unwrap() error { return e.cause }

func NewStageErr(kind Kind, message string, retryable, suggestedFallback bool) *StageErr {
	return &StageErr{Kind: kind, Message: message, Retryable: retryable, SuggestedFallback: suggestedFallback}
}

func WrapStageErr(kind Kind, message string, retryable bool, cause error) *StageErr {
	return &StageErr{Kind: kind, Message: message, Retryable: retryable, cause: cause}
}

// Timeout, Cancelled and ContractViolation are the three kinds the Executor
// itself synthesizes rather than receiving from a worker (§4.6).
func Timeout(stageID string) *StageErr {
	return NewStageErr(KindTimeout, fmt.Sprintf("stage %q exceeded its deadline", stageID), true, false)
}

func Cancelled(stageID string) *StageErr {
	return NewStageErr(KindCancelled, fmt.Sprintf("stage %q cancelled", stageID), false, false)
}

func ContractViolation(stageID, detail string) *StageErr {
	return NewStageErr(KindContractViolation, fmt.Sprintf("stage %q: %s", stageID, detail), false, true)
}

func LeaseLost(stageID string) *StageErr {
	return NewStageErr(KindLeaseLost, fmt.Sprintf("stage %q lost its lease", stageID), true, false)
}

func Internal(message string) *StageErr {
	return NewStageErr(KindInternal, message, false, false)
}

// Job Store sentinels; repository implementations wrap these with errors.Is
// support so callers never need to know about the backing store.
var (
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict: job was advanced by another writer")
	ErrStoreUnavailable = errors.New("store unavailable")
)
