package orchestrator

import (
	"context"
	"errors"

	"github.com/jonathan/apply-agent/internal/llm"
)

// ErrClass is the retry classification of a stage or task error.
type ErrClass int

const (
	// ClassTransient errors may succeed on retry.
	ClassTransient ErrClass = iota
	// ClassPermanent errors will not, regardless of retries.
	ClassPermanent
)

func (c ErrClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// transienter is implemented by the typed errors of the fetch, extraction,
// and generation packages.
type transienter interface {
	Transient() bool
}

// Classify decides whether an error is worth retrying. Errors that carry
// their own classification are trusted; context cancellation is permanent
// because the caller asked us to stop; everything else falls back to the
// model-transport heuristics, defaulting to transient so an unrecognized
// infrastructure hiccup still gets its retry budget.
func Classify(err error) ErrClass {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	var t transienter
	if errors.As(err, &t) {
		if t.Transient() {
			return ClassTransient
		}
		return ClassPermanent
	}
	if llm.IsTransient(err) {
		return ClassTransient
	}
	// Unclassified errors are treated as infrastructure trouble: retry
	// until the stage's attempt ceiling decides otherwise.
	return ClassTransient
}
