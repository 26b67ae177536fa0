package remote

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RetryPolicy configures how a network operation is retried. Policies are
// values; callers copy and adjust them rather than sharing mutable state.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	JitterBound time.Duration
	// MaxDelay caps the exponential part of the delay. Zero means no cap.
	MaxDelay time.Duration
	// AttemptTimeout bounds each attempt. Zero leaves attempts unbounded.
	AttemptTimeout time.Duration
	// Retryable lists the error classes worth another attempt. Empty means
	// DefaultRetryable.
	Retryable []ErrorClass
}

// DefaultRetryPolicy returns the policy used when configuration is absent.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      5 * time.Second,
		Multiplier:     2,
		JitterBound:    500 * time.Millisecond,
		MaxDelay:       2 * time.Minute,
		AttemptTimeout: 5 * time.Minute,
	}
}

// Attempts returns the number of attempts the policy allows, at least one.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt (1-based):
// BaseDelay * Multiplier^(attempt-1), capped at MaxDelay, plus jitter.
func (p RetryPolicy) Delay(attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay > math.MaxInt64/2 {
		delay = math.MaxInt64 / 2
	}
	if jitter < 0 {
		jitter = 0
	}
	return time.Duration(delay) + jitter
}

// Retries reports whether err falls in one of the policy's retryable classes.
func (p RetryPolicy) Retries(err error) bool {
	if err == nil {
		return false
	}
	class := Classify(err)
	if class == ClassCancelled {
		return false
	}
	classes := p.Retryable
	if len(classes) == 0 {
		classes = DefaultRetryable
	}
	return slices.Contains(classes, class)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Jitter returns a random duration in [0, bound).
type Jitter func(bound time.Duration) time.Duration

// RetryEvent describes a failed attempt that will be retried.
type RetryEvent struct {
	Op      string
	Attempt int
	Delay   time.Duration
	Class   ErrorClass
	Err     error
}

// Retrier runs operations under a RetryPolicy. The zero value is usable.
type Retrier struct {
	Sleep    Sleeper
	Jitter   Jitter
	Observer func(RetryEvent)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or uses
// every attempt of policy. Each attempt receives a context bounded by
// policy.AttemptTimeout. Exhaustion returns *RetryExhaustedError.
func (r *Retrier) Do(ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) error) error {
	return r.run(ctx, policy, op, false, fn)
}

// DoShielded is Do for attempts that must not be interrupted once started.
// Attempts run on a context detached from ctx's cancellation; ctx is only
// consulted before each attempt and while waiting between attempts.
func (r *Retrier) DoShielded(ctx context.Context, policy RetryPolicy, op string, fn func(context.Context) error) error {
	return r.run(ctx, policy, op, true, fn)
}

func (r *Retrier) run(ctx context.Context, policy RetryPolicy, op string, shielded bool, fn func(context.Context) error) error {
	if ctx == nil {
		return errors.New("retry: nil context")
	}
	attempts := policy.Attempts()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return errors.Join(err, lastErr)
			}
			return err
		}

		base := ctx
		if shielded {
			base = context.WithoutCancel(ctx)
		}
		attemptCtx, cancel := base, context.CancelFunc(func() {})
		if policy.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(base, policy.AttemptTimeout)
		}
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil && !shielded {
			return err
		}
		if !policy.Retries(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := policy.Delay(attempt, r.jitter(policy.JitterBound))
		if after := retryAfter(err); after > 0 {
			delay = after
			if policy.MaxDelay > 0 && delay > policy.MaxDelay {
				delay = policy.MaxDelay
			}
		}
		if r.Observer != nil {
			r.Observer(RetryEvent{Op: op, Attempt: attempt, Delay: delay, Class: Classify(err), Err: err})
		}
		if err := r.sleep(ctx, delay); err != nil {
			return errors.Join(err, lastErr)
		}
	}
	return &RetryExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

func (r *Retrier) sleep(ctx context.Context, d time.Duration) error {
	if r != nil && r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

func (r *Retrier) jitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	if r != nil && r.Jitter != nil {
		j := r.Jitter(bound)
		if j < 0 || j >= bound {
			return 0
		}
		return j
	}
	return time.Duration(rand.Int64N(int64(bound)))
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func retryAfter(err error) time.Duration {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.RetryAfter
	}
	return 0
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
