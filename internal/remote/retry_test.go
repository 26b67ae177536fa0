package remote_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"framerelay/internal/remote"
)

type recordingSleeper struct {
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestRetrierStopsAfterMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		sleeper := &recordingSleeper{}
		retrier := &remote.Retrier{Sleep: sleeper.sleep, Jitter: func(time.Duration) time.Duration { return 0 }}
		policy := remote.RetryPolicy{MaxAttempts: maxAttempts, BaseDelay: time.Second, Multiplier: 2}

		calls := 0
		err := retrier.Do(context.Background(), policy, "send", func(context.Context) error {
			calls++
			return &remote.StatusError{Method: http.MethodPost, URL: "http://x", StatusCode: http.StatusBadGateway}
		})
		if calls != maxAttempts {
			t.Fatalf("max=%d: expected %d attempts, got %d", maxAttempts, maxAttempts, calls)
		}
		var exhausted *remote.RetryExhaustedError
		if !errors.As(err, &exhausted) {
			t.Fatalf("max=%d: expected RetryExhaustedError, got %v", maxAttempts, err)
		}
		if exhausted.Attempts != maxAttempts {
			t.Fatalf("max=%d: exhausted attempts = %d", maxAttempts, exhausted.Attempts)
		}
		if len(sleeper.delays) != maxAttempts-1 {
			t.Fatalf("max=%d: expected %d sleeps, got %d", maxAttempts, maxAttempts-1, len(sleeper.delays))
		}
	}
}

func TestRetrierDelaySequenceWithinJitterBound(t *testing.T) {
	sleeper := &recordingSleeper{}
	retrier := &remote.Retrier{Sleep: sleeper.sleep}
	policy := remote.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  3,
		JitterBound: 50 * time.Millisecond,
	}
	_ = retrier.Do(context.Background(), policy, "send", func(context.Context) error {
		return context.DeadlineExceeded
	})
	if len(sleeper.delays) != 4 {
		t.Fatalf("expected 4 delays, got %v", sleeper.delays)
	}
	base := 100 * time.Millisecond
	for i, delay := range sleeper.delays {
		if delay < base || delay >= base+policy.JitterBound {
			t.Fatalf("delay %d = %s, want [%s, %s)", i+1, delay, base, base+policy.JitterBound)
		}
		base *= 3
	}
}

func TestRetrierFatalErrorNotRetried(t *testing.T) {
	sleeper := &recordingSleeper{}
	retrier := &remote.Retrier{Sleep: sleeper.sleep}
	calls := 0
	err := retrier.Do(context.Background(), remote.RetryPolicy{MaxAttempts: 4}, "submit", func(context.Context) error {
		calls++
		return &remote.StatusError{StatusCode: http.StatusNotFound}
	})
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
	var statusErr *remote.StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	var exhausted *remote.RetryExhaustedError
	if errors.As(err, &exhausted) {
		t.Fatal("fatal error should not report exhaustion")
	}
}

func TestRetrierHonoursRetryAfter(t *testing.T) {
	sleeper := &recordingSleeper{}
	retrier := &remote.Retrier{Sleep: sleeper.sleep}
	calls := 0
	err := retrier.Do(context.Background(), remote.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Minute}, "poll", func(context.Context) error {
		calls++
		if calls == 1 {
			return &remote.StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 7 * time.Second}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sleeper.delays) != 1 || sleeper.delays[0] != 7*time.Second {
		t.Fatalf("expected Retry-After delay, got %v", sleeper.delays)
	}
}

func TestRetrierStopsWhenContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retrier := &remote.Retrier{Sleep: func(ctx context.Context, time.Duration) error {
		cancel()
		return ctx.Err()
	}}
	calls := 0
	err := retrier.Do(ctx, remote.RetryPolicy{MaxAttempts: 5}, "send", func(context.Context) error {
		calls++
		return context.DeadlineExceeded
	})
	if calls != 1 {
		t.Fatalf("expected 1 attempt before cancellation, got %d", calls)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetrierShieldedAttemptSurvivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	retrier := &remote.Retrier{}
	err := retrier.DoShielded(ctx, remote.RetryPolicy{MaxAttempts: 1, AttemptTimeout: time.Second}, "chunk", func(attemptCtx context.Context) error {
		cancel()
		if attemptCtx.Err() != nil {
			return attemptCtx.Err()
		}
		if _, ok := attemptCtx.Deadline(); !ok {
			t.Fatal("expected per-attempt deadline")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("shielded attempt should complete, got %v", err)
	}
}

func TestRetryPolicyDelayCapsExponentialPart(t *testing.T) {
	policy := remote.RetryPolicy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: 5 * time.Second}
	cases := map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 5 * time.Second, 10: 5 * time.Second}
	for attempt, want := range cases {
		if got := policy.Delay(attempt, 0); got != want {
			t.Fatalf("attempt %d: delay %s, want %s", attempt, got, want)
		}
	}
	if got := policy.Delay(4, 300*time.Millisecond); got != 5300*time.Millisecond {
		t.Fatalf("jitter should be added after the cap, got %s", got)
	}
}
