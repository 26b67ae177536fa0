package remote

import (
	"time"

	"framerelay/internal/config"
)

// PolicyFromConfig builds the shared retry policy from the transfer section.
func PolicyFromConfig(cfg *config.Config) RetryPolicy {
	if cfg == nil {
		return DefaultRetryPolicy()
	}
	return RetryPolicy{
		MaxAttempts:    cfg.Transfer.RetryCount,
		BaseDelay:      cfg.RetryDelay(),
		Multiplier:     cfg.Transfer.BackoffMultiplier,
		JitterBound:    time.Duration(cfg.Transfer.JitterMillis) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Transfer.MaxDelaySeconds) * time.Second,
		AttemptTimeout: cfg.RequestTimeout(),
	}
}
