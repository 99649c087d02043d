package domain

import (
	"fmt"
	"hash/fnv"
	"math"
	"strconv"
	"time"
)

// RetryPolicy is exponential backoff with a cap and bounded, deterministic
// jitter. Jitter is derived from JitterKey and the attempt number so the
// same inputs always give the same delay.
type RetryPolicy struct {
	MaxAttempts int           `json:"maxAttempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `json:"baseDelay" yaml:"base_delay"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"max_delay"`
	Factor      float64       `json:"factor" yaml:"factor"`
	Jitter      float64       `json:"jitter" yaml:"jitter"`
	JitterKey   string        `json:"jitterKey,omitempty" yaml:"-"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Minute,
		Factor:      2.0,
		Jitter:      0,
	}
}

// NoRetry is for tasks that are not safe to run twice.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

func (p RetryPolicy) IsZero() bool {
	return p.MaxAttempts == 0 && p.BaseDelay == 0 && p.MaxDelay == 0 && p.Factor == 0 && p.Jitter == 0
}

func (p RetryPolicy) WithJitterKey(key string) RetryPolicy {
	p.JitterKey = key
	return p
}

func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return NewValidationError("retry policy max attempts must be >= 1", ErrInvalidInput, WithComponent("retry-policy"))
	}
	if p.MaxAttempts == 1 {
		return nil
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return NewValidationError("retry policy delays must not be negative", ErrInvalidInput, WithComponent("retry-policy"))
	}
	if p.MaxDelay > 0 && p.MaxDelay < p.BaseDelay {
		return NewValidationError("retry policy max delay must be >= base delay", ErrInvalidInput, WithComponent("retry-policy"))
	}
	if p.Factor < 1 {
		return NewValidationError("retry policy factor must be >= 1", ErrInvalidInput, WithComponent("retry-policy"))
	}
	if p.Jitter < 0 || p.Jitter > p.Factor-1 {
		return NewValidationError(fmt.Sprintf("retry policy jitter must be within [0, %.2f]", p.Factor-1), ErrInvalidInput, WithComponent("retry-policy"))
	}
	return nil
}

// ShouldRetry reports whether a failure of the given attempt may be followed
// by another one. attempt < 1 is a programming error.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	mustBePositive(attempt)
	max := p.MaxAttempts
	if max < 1 {
		max = 1
	}
	return attempt < max
}

// CalculateDelay returns the wait before the attempt following the given
// one. The sequence is non-decreasing up to MaxDelay.
func (p RetryPolicy) CalculateDelay(attempt int) time.Duration {
	mustBePositive(attempt)

	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}
	if jitter > factor-1 {
		jitter = factor - 1
	}

	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	delay *= 1 + jitter*p.jitterFraction(attempt)

	limit := float64(math.MaxInt64)
	if p.MaxDelay > 0 {
		limit = float64(p.MaxDelay)
	}
	if delay >= limit || math.IsInf(delay, 1) || math.IsNaN(delay) {
		if p.MaxDelay > 0 {
			return p.MaxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func (p RetryPolicy) jitterFraction(attempt int) float64 {
	if p.Jitter == 0 {
		return 0
	}
	h := fnv.New64a()
	h.Write([]byte(p.JitterKey))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(attempt)))
	return float64(h.Sum64()>>11) / float64(uint64(1)<<53)
}

func mustBePositive(attempt int) {
	if attempt < 1 {
		panic(fmt.Sprintf("retry policy: attempt must be >= 1, got %d", attempt))
	}
}
