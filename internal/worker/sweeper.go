package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pruner drops registry entries nobody needs any more. keep reports whether
// an entry must stay regardless of its viewer count.
type Pruner interface {
	Prune(keep func(deviceID string) bool) int
}

// Sweeper periodically retires registry entries that have no viewers and no
// connected device.
type Sweeper struct {
	reg   Pruner
	keep  func(deviceID string) bool
	every time.Duration
	log   zerolog.Logger
}

func NewSweeper(reg Pruner, keep func(string) bool, every time.Duration, log zerolog.Logger) *Sweeper {
	if every <= 0 {
		every = time.Minute
	}
	return &Sweeper{reg: reg, keep: keep, every: every, log: log.With().Str("component", "sweeper").Logger()}
}

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.SweepOnce()
		}
	}
}

func (s *Sweeper) SweepOnce() int {
	n := s.reg.Prune(s.keep)
	if n > 0 {
		s.log.Debug().Int("pruned", n).Msg("retired idle registry entries")
	}
	return n
}
