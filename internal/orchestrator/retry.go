package orchestrator

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/jonathan/apply-agent/internal/types"
)

// Policy bounds retries for one stage: exponential backoff with jitter, a
// delay cap, and an attempt ceiling.
type Policy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	JitterFrac  float64
}

// DefaultPolicy matches the stage retry schedule: base 2s, doubling, cap
// 60s, 5 attempts, ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		Multiplier:  2,
		MaxDelay:    60 * time.Second,
		MaxAttempts: 5,
		JitterFrac:  0.2,
	}
}

// StagePolicies returns the per-stage retry policies. Every retryable
// stage currently shares the default schedule; the map exists so a single
// stage can be tuned without touching the others.
func StagePolicies() map[types.Stage]Policy {
	policies := make(map[types.Stage]Policy)
	for _, stage := range []types.Stage{
		types.StageFetch,
		types.StageExtract,
		types.StagePersistQuestions,
		types.StageGenerate,
		types.StagePersistAnswers,
	} {
		policies[stage] = DefaultPolicy()
	}
	return policies
}

// Backoff computes the delay before the given retry. attempt is 1-based:
// the delay after the first failed attempt is BaseDelay. Jitter spreads
// the result over [delay*(1-JitterFrac), delay*(1+JitterFrac)].
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && delay > max {
		delay = max
	}
	return jitter(time.Duration(delay), p.JitterFrac)
}

// Exhausted reports whether the attempt count has reached the ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}

// jitter perturbs d by up to ±frac of its value.
func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	span := int64(float64(d) * frac * 2)
	if span <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(span))
	if err != nil {
		return d
	}
	return d - time.Duration(span/2) + time.Duration(n.Int64())
}
