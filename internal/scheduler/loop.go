// Package scheduler runs the periodic background tasks: timer activation
// and live-timer broadcast.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"go.uber.org/zap"
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

var ErrRunning = errors.New("scheduler: already running")

// Tick is one unit of periodic work. A returned error is logged and the loop
// keeps going.
type Tick func(ctx context.Context) error

// Loop calls its tick right away and then once per interval until stopped.
// Cancellation is observed between ticks only: a tick in progress runs to
// completion with a context that is not cancelled by Stop.
type Loop struct {
	name     string
	interval time.Duration
	tick     Tick
	log      *zap.Logger

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLoop(name string, interval time.Duration, tick Tick, log *zap.Logger) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		tick:     tick,
		log:      logx.Or(log).Named("scheduler").With(zap.String("loop", name)),
		state:    StateIdle,
	}
}

// Start launches the loop. A cancelled loop may be started again.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateRunning {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = StateRunning
	go l.run(ctx, l.done)
	return nil
}

// Stop requests cancellation; use Wait to block until the loop has exited.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
}

// Wait blocks until the loop has exited. Returns immediately for a loop that
// was never started.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer func() {
		l.mu.Lock()
		if l.done == done {
			l.state = StateCancelled
		}
		l.mu.Unlock()
		close(done)
		l.log.Info("scheduler stopped")
	}()
	l.log.Info("scheduler started", zap.Duration("interval", l.interval))

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		l.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	start := time.Now()
	if err := l.tick(context.WithoutCancel(ctx)); err != nil {
		l.log.Error("tick failed", zap.Error(err), zap.Duration("took", time.Since(start)))
	}
}
