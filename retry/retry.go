// Package retry implements the bounded exponential backoff policy applied
// to failed task attempts.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/deepnoodle-ai/conductor"
	"github.com/deepnoodle-ai/conductor/schema"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseWait    = 1 * time.Second
	DefaultMaxWait     = 30 * time.Second
)

// Policy bounds how often and how quickly a failed attempt is retried.
// The zero value is replaced by defaults via Normalize.
type Policy struct {
	MaxAttempts int           `json:"max_attempts" yaml:"MaxAttempts"`
	BaseWait    time.Duration `json:"base_wait" yaml:"BaseWait"`
	MaxWait     time.Duration `json:"max_wait" yaml:"MaxWait"`
}

// DefaultPolicy returns the policy used when a step declares none.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseWait:    DefaultBaseWait,
		MaxWait:     DefaultMaxWait,
	}
}

// Normalize fills zero fields with defaults.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseWait <= 0 {
		p.BaseWait = DefaultBaseWait
	}
	if p.MaxWait <= 0 {
		p.MaxWait = DefaultMaxWait
	}
	return p
}

// Backoff returns the wait before the given attempt (1-based). The first
// attempt has no wait. Exponential with 10% jitter, capped at MaxWait.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	backoff := time.Duration(float64(p.BaseWait) * math.Pow(2, float64(attempt-2)))
	if backoff > p.MaxWait {
		backoff = p.MaxWait
	}
	jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
	return backoff + jitter
}

// Wait sleeps for the backoff before the given attempt, or returns early
// with the context's error if it is canceled first.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	backoff := p.Backoff(attempt)
	if backoff == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

// Retryable reports whether an error is eligible for retry. Agent failures
// (including timeouts) and contract validation failures are retryable;
// everything else — ledger integrity violations in particular — is not.
func Retryable(err error) bool {
	var agentErr *conductor.AgentError
	if errors.As(err, &agentErr) {
		return true
	}
	var validationErr *schema.ValidationError
	return errors.As(err, &validationErr)
}
