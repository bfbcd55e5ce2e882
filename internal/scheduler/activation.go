package scheduler

import (
	"context"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"go.uber.org/zap"
)

// Activator promotes scheduled timers whose start delay has elapsed.
type Activator interface {
	ActivateDue(ctx context.Context) (int, error)
}

// NewActivation returns the loop that starts scheduled timers.
func NewActivation(a Activator, interval time.Duration, log *zap.Logger) *Loop {
	log = logx.Or(log)
	return NewLoop("activation", interval, func(ctx context.Context) error {
		n, err := a.ActivateDue(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Debug("scheduled timers activated", zap.Int("count", n))
		}
		return nil
	}, log)
}
