package expiry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type Processor struct {
	sweeper  *Sweeper
	interval time.Duration // Time between sweeps
	now      func() time.Time
}

func NewProcessor(sweeper *Sweeper, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		sweeper:  sweeper,
		interval: interval,
		now:      time.Now,
	}
}

// Start runs a sweep over all organizations every interval until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "expiry_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting expiry processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down expiry processor")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Processor) runOnce(ctx context.Context) int {
	logger := log.With().Str("component", "expiry_processor").Logger()

	n, err := p.sweeper.SweepAll(ctx, p.now().UTC())
	if err != nil {
		logger.Error().Err(err).Msg("failed to sweep expired orders")
	}
	if n > 0 {
		logger.Info().Int("expired", n).Msg("expired orders")
	}
	return n
}
