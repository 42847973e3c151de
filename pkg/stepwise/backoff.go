package stepwise

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// BackoffStrategy maps the number of consecutive failed attempts of a state
// (starting at 1) to the delay before the next attempt.
type BackoffStrategy interface {
	NextBackoff(attempt int) time.Duration
}

// BackoffFunc adapts a plain function to BackoffStrategy.
type BackoffFunc func(attempt int) time.Duration

func (f BackoffFunc) NextBackoff(attempt int) time.Duration { return f(attempt) }

// BackoffConfig parameterises ExponentialBackoff. Zero fields take the
// values of DefaultBackoffConfig, except RandomizationFactor where zero
// disables jitter.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// RandomizationFactor spreads each delay uniformly over
	// [d*(1-f), d*(1+f)].
	RandomizationFactor float64
}

// DefaultBackoffConfig is 1s doubling up to 5m with 10% jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval:     time.Second,
		MaxInterval:         5 * time.Minute,
		Multiplier:          2,
		RandomizationFactor: 0.1,
	}
}

// ExponentialBackoff waits InitialInterval*Multiplier^(attempt-1), capped at
// MaxInterval. Jitter is applied after the cap.
func ExponentialBackoff(config BackoffConfig) BackoffStrategy {
	defaults := DefaultBackoffConfig()
	if config.InitialInterval == 0 {
		config.InitialInterval = defaults.InitialInterval
	}
	if config.MaxInterval == 0 {
		config.MaxInterval = defaults.MaxInterval
	}
	if config.Multiplier == 0 {
		config.Multiplier = defaults.Multiplier
	}

	return BackoffFunc(func(attempt int) time.Duration {
		n := max(attempt, 1) - 1
		d := math.Min(
			float64(config.InitialInterval)*math.Pow(config.Multiplier, float64(n)),
			float64(config.MaxInterval),
		)
		if f := config.RandomizationFactor; f > 0 {
			d *= 1 - f + 2*f*rand.Float64()
		}
		return time.Duration(d)
	})
}

// ConstantBackoff always waits interval.
func ConstantBackoff(interval time.Duration) BackoffStrategy {
	return BackoffFunc(func(int) time.Duration { return interval })
}

// NoBackoff retries immediately.
func NoBackoff() BackoffStrategy {
	return ConstantBackoff(0)
}

// BackoffTracker counts consecutive step failures per object, so the
// attempt number survives across the retry timer.
type BackoffTracker interface {
	// RecordFailure bumps the object's count and returns the new value.
	RecordFailure(key types.NamespacedName) int
	RecordSuccess(key types.NamespacedName)
	GetAttempts(key types.NamespacedName) int
	GetLastFailure(key types.NamespacedName) time.Time

	// Reset forgets the object.
	Reset(key types.NamespacedName)
}

type failureRecord struct {
	count int
	last  time.Time
}

type failureCounter struct {
	mu       sync.RWMutex
	failures map[types.NamespacedName]failureRecord
}

// NewBackoffTracker returns an empty, concurrency-safe BackoffTracker.
func NewBackoffTracker() BackoffTracker {
	return &failureCounter{failures: map[types.NamespacedName]failureRecord{}}
}

func (c *failureCounter) RecordFailure(key types.NamespacedName) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec := c.failures[key]
	rec.count++
	rec.last = time.Now()
	c.failures[key] = rec
	return rec.count
}

func (c *failureCounter) RecordSuccess(key types.NamespacedName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.failures[key]; ok {
		c.failures[key] = failureRecord{}
	}
}

func (c *failureCounter) lookup(key types.NamespacedName) failureRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failures[key]
}

func (c *failureCounter) GetAttempts(key types.NamespacedName) int {
	return c.lookup(key).count
}

func (c *failureCounter) GetLastFailure(key types.NamespacedName) time.Time {
	return c.lookup(key).last
}

func (c *failureCounter) Reset(key types.NamespacedName) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failures, key)
}

// UnclassifiedFaults selects how the retry policy treats step errors that
// carry no classification and are not recognised Kubernetes API errors.
type UnclassifiedFaults string

const (
	// RetryUnclassified retries unclassified faults with backoff.
	RetryUnclassified UnclassifiedFaults = "retry"

	// FailUnclassified fails the run on the first unclassified fault.
	FailUnclassified UnclassifiedFaults = "fail"
)

// RetryPolicy decides whether a step fault is retried and how long to wait.
type RetryPolicy struct {
	Strategy BackoffStrategy

	// MaxAttempts bounds consecutive failed attempts of one state before the
	// run fails. Zero means no bound.
	MaxAttempts int

	// Unclassified selects the treatment of faults ClassifyError cannot place.
	Unclassified UnclassifiedFaults

	// RetryableErrors overrides classification entirely when set.
	RetryableErrors func(error) bool

	// OnRetry observes each retry decision.
	OnRetry func(attempt int, err error, nextDelay time.Duration)
}

// DefaultRetryPolicy returns the default retry policy: exponential backoff
// with jitter, ten attempts, unclassified faults retried.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Strategy:     ExponentialBackoff(DefaultBackoffConfig()),
		MaxAttempts:  10,
		Unclassified: RetryUnclassified,
	}
}

// ShouldRetry reports whether a state that has failed attempt times in a
// row, most recently with err, gets another attempt.
func (p *RetryPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}

	if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
		return false
	}

	if p.RetryableErrors != nil {
		return p.RetryableErrors(err)
	}

	classification, known := classify(err)
	if !known {
		return p.Unclassified != FailUnclassified
	}
	return classification == ErrorRetryable || classification == ErrorTransient
}

// NextDelay returns the delay before the next retry. A RetryAfter hint on
// the error takes precedence over the strategy.
func (p *RetryPolicy) NextDelay(attempt int, err error) time.Duration {
	if after := GetRetryAfter(err); after > 0 {
		return after
	}
	if p.Strategy == nil {
		return 0
	}
	return p.Strategy.NextBackoff(attempt)
}

// Decide combines ShouldRetry and NextDelay, invoking OnRetry when a retry
// is chosen.
func (p *RetryPolicy) Decide(attempt int, err error) (bool, time.Duration) {
	if !p.ShouldRetry(attempt, err) {
		return false, 0
	}
	delay := p.NextDelay(attempt, err)
	if p.OnRetry != nil {
		p.OnRetry(attempt, err, delay)
	}
	return true, delay
}
