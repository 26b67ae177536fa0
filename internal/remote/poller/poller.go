// Package poller waits for a remote task to reach a terminal state.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"framerelay/internal/config"
	"framerelay/internal/logging"
	"framerelay/internal/metrics"
	"framerelay/internal/remote"
)

// errPollDeadline marks the overall timeout so it can be told apart from
// cancellation by the caller.
var errPollDeadline = errors.New("poll timeout elapsed")

// StatusSource performs a single status query without retries.
type StatusSource interface {
	QueryStatus(ctx context.Context, taskID string) (remote.TaskStatus, error)
}

// Options control one Poll call.
type Options struct {
	Interval time.Duration
	// Timeout bounds the whole wait. Zero waits indefinitely.
	Timeout time.Duration
	// QueuedBackoffAfter is the number of consecutive QUEUED observations
	// tolerated before the interval starts growing.
	QueuedBackoffAfter int
	BackoffMultiplier  float64
	MaxInterval        time.Duration
	// FailureCeiling is the number of consecutive failed queries that ends
	// polling. Values below two make the first failed query fatal.
	FailureCeiling int
	// Policy governs retries within a single query.
	Policy remote.RetryPolicy
	// Tracker validates transitions. A fresh tracker is used when nil.
	Tracker *remote.Tracker
	// OnStatus observes every accepted status.
	OnStatus func(remote.TaskStatus)
}

// OptionsFromConfig builds poll options from the poll section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Interval:           cfg.PollInterval(),
		Timeout:            cfg.PollTimeout(),
		QueuedBackoffAfter: cfg.Poll.QueuedBackoffAfter,
		BackoffMultiplier:  cfg.Poll.BackoffMultiplier,
		MaxInterval:        time.Duration(cfg.Poll.MaxIntervalSeconds * float64(time.Second)),
		FailureCeiling:     cfg.Poll.FailureCeiling,
		Policy:             remote.PolicyFromConfig(cfg),
	}
}

// Option customises a Poller.
type Option func(*Poller)

// WithSleeper overrides the wait between queries (used in tests).
func WithSleeper(s remote.Sleeper) Option {
	return func(p *Poller) {
		p.sleep = s
	}
}

// WithClock overrides the time source used for the overall timeout.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) {
		p.now = now
	}
}

// WithRetrier overrides per-query retries.
func WithRetrier(r *remote.Retrier) Option {
	return func(p *Poller) {
		p.retrier = r
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(p *Poller) {
		p.metrics = rec
	}
}

// Poller runs sleep-then-query loops against a StatusSource.
type Poller struct {
	source  StatusSource
	sleep   remote.Sleeper
	now     func() time.Time
	retrier *remote.Retrier
	logger  *slog.Logger
	metrics metrics.Recorder
}

// New builds a Poller.
func New(source StatusSource, opts ...Option) *Poller {
	p := &Poller{source: source}
	for _, opt := range opts {
		opt(p)
	}
	if p.sleep == nil {
		p.sleep = remote.SleepContext
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.retrier == nil {
		p.retrier = &remote.Retrier{Sleep: p.sleep}
	}
	if p.logger == nil {
		p.logger = logging.NewNop()
	}
	p.logger = logging.NewComponentLogger(p.logger, "poller")
	if p.metrics == nil {
		p.metrics = metrics.Noop{}
	}
	return p
}

// Poll queries the task until it reports a terminal state and returns that
// status. It returns a non-terminal status only alongside an error: a
// *remote.PollTimeoutError, a *remote.PollError, a
// *remote.InconsistentStateError, or the context's error when cancelled.
func (p *Poller) Poll(ctx context.Context, handle remote.TaskHandle, opts Options) (remote.TaskStatus, error) {
	if p.source == nil {
		return remote.TaskStatus{}, errors.New("poller: status source is nil")
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = remote.NewTracker(handle.TaskID)
	}
	base := opts.Interval
	if base <= 0 {
		base = time.Second
	}
	interval := base
	logger := logging.WithContext(ctx, p.logger).With(logging.TaskID(handle.TaskID))

	start := p.now()
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, errPollDeadline)
		defer cancel()
	}
	var (
		last         remote.TaskStatus
		queuedStreak int
		failures     int
		first        = true
	)
	stopped := func() error {
		if errors.Is(context.Cause(ctx), errPollDeadline) {
			return &remote.PollTimeoutError{TaskID: handle.TaskID, Waited: p.now().Sub(start), Last: last}
		}
		return ctx.Err()
	}
	for {
		if ctx.Err() != nil {
			return last, stopped()
		}
		if !first {
			wait := interval
			if opts.Timeout > 0 {
				remaining := opts.Timeout - p.now().Sub(start)
				if remaining <= 0 {
					return last, &remote.PollTimeoutError{TaskID: handle.TaskID, Waited: p.now().Sub(start), Last: last}
				}
				wait = min(wait, remaining)
			}
			if err := p.sleep(ctx, wait); err != nil {
				if ctx.Err() != nil {
					return last, stopped()
				}
				return last, err
			}
		}
		first = false

		status, err := p.query(ctx, handle.TaskID, opts.Policy)
		if err != nil {
			if ctx.Err() != nil {
				return last, stopped()
			}
			failures++
			var exhausted *remote.RetryExhaustedError
			if !errors.As(err, &exhausted) || failures >= opts.FailureCeiling {
				return last, &remote.PollError{TaskID: handle.TaskID, Failures: failures, Err: err}
			}
			logging.WarnWithContext(logger, "status query failed", "poll_query_failed",
				logging.Int("consecutive_failures", failures),
				logging.Error(err),
				logging.String(logging.FieldImpact, "polling continues until the failure ceiling is reached"),
			)
			continue
		}
		failures = 0

		if err := tracker.Observe(status); err != nil {
			logging.ErrorWithContext(logger, "remote reported an illegal transition", "poll_inconsistent_state", logging.Error(err))
			return last, err
		}
		last = status
		p.metrics.ObservePoll(string(status.State))
		if opts.OnStatus != nil {
			opts.OnStatus(status)
		}
		if status.State.Terminal() {
			logger.Debug("task reached terminal state", logging.String("state", string(status.State)))
			return status, nil
		}

		switch status.State {
		case remote.StateQueued:
			queuedStreak++
			if opts.QueuedBackoffAfter >= 0 && queuedStreak > opts.QueuedBackoffAfter {
				interval = nextInterval(interval, opts.BackoffMultiplier, opts.MaxInterval)
			}
		case remote.StateRunning:
			queuedStreak = 0
			interval = base
		}
	}
}

func (p *Poller) query(ctx context.Context, taskID string, policy remote.RetryPolicy) (remote.TaskStatus, error) {
	var status remote.TaskStatus
	err := p.retrier.Do(ctx, policy, "poll "+taskID, func(attemptCtx context.Context) error {
		var err error
		status, err = p.source.QueryStatus(attemptCtx, taskID)
		return err
	})
	return status, err
}

func nextInterval(current time.Duration, multiplier float64, ceiling time.Duration) time.Duration {
	if multiplier <= 1 {
		return current
	}
	next := time.Duration(float64(current) * multiplier)
	if ceiling > 0 && next > ceiling {
		next = ceiling
	}
	return next
}
