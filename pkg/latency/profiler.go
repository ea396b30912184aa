package latency

import (
	"time"

	"go.uber.org/zap"
)

// Sampler aggregates durations for one hot-path label and logs a digest
// every sampleEvery observations, keeping the per-update cost of profiling
// to a couple of integer ops.
type Sampler struct {
	log         *zap.Logger
	label       string
	sampleEvery uint64

	count uint64
	total time.Duration
	max   time.Duration
}

func NewSampler(log *zap.Logger, label string, sampleEvery uint64) *Sampler {
	if sampleEvery == 0 {
		sampleEvery = 1000
	}
	return &Sampler{log: log, label: label, sampleEvery: sampleEvery}
}

// Observe records one duration, logging and resetting the digest when the
// sample window fills.
func (s *Sampler) Observe(d time.Duration) {
	s.count++
	s.total += d
	if d > s.max {
		s.max = d
	}
	if s.count < s.sampleEvery {
		return
	}
	s.log.Debug("latency digest",
		zap.String("label", s.label),
		zap.Uint64("samples", s.count),
		zap.Duration("avg", s.total/time.Duration(s.count)),
		zap.Duration("max", s.max),
	)
	s.count = 0
	s.total = 0
	s.max = 0
}
