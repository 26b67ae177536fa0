package logging

import "strings"

// StageSampler thins replication progress logs. A report is let through when
// the stage changes, when the remote state changes, or when percent enters a
// new bucket. Reaching 100 always reports once.
type StageSampler struct {
	step   float64
	stage  string
	state  string
	bucket int
}

// NewStageSampler returns a sampler with buckets of step percent (default 10).
func NewStageSampler(step float64) *StageSampler {
	if step <= 0 {
		step = 10
	}
	return &StageSampler{step: step, bucket: -1}
}

// Allow reports whether a progress report for stage at percent should be
// logged. remoteState is the last remote task state, empty before submission.
// Negative percent means unknown and never opens a bucket. A nil sampler
// allows everything.
func (s *StageSampler) Allow(stage string, percent float64, remoteState string) bool {
	if s == nil {
		return true
	}
	stage = strings.TrimSpace(stage)
	allow := false
	if stage != s.stage {
		s.stage = stage
		s.bucket = -1
		allow = true
	}
	if remoteState != s.state {
		s.state = remoteState
		allow = true
	}
	if percent >= 0 {
		bucket := int(min(percent, 100) / s.step)
		if bucket > s.bucket {
			s.bucket = bucket
			allow = true
		}
	}
	return allow
}
