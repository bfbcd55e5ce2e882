package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-venue-timers/internal/logx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is done and its offset may be
// committed.
type Handler func(ctx context.Context, m kafka.Message) error

type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r       reader
	workers int
	retries int
	backoff time.Duration
	log     *zap.Logger
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:       r,
		workers: workers,
		retries: 5,
		backoff: 200 * time.Millisecond,
		log:     logx.Or(log).Named("consumer").With(zap.String("topic", topic), zap.String("group", group)),
	}
}

// Start fetches until ctx is cancelled. A partition always goes to the same
// worker, so its offsets are committed in order. When a message still fails
// after the retries, nothing past it is committed and Start returns the
// handler error; the message is fetched again by the next consumer.
// Returns nil on cancellation.
func (c *Consumer) Start(parent context.Context, h Handler) error {
	defer c.r.Close()

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	queues := make([]chan kafka.Message, c.workers)
	failed := make(chan error, c.workers)

	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 256)
		wg.Add(1)
		go func(q <-chan kafka.Message) {
			defer wg.Done()
			for m := range q {
				if err := c.handle(ctx, h, m); err != nil {
					if ctx.Err() == nil {
						failed <- err
						cancel()
					}
					return
				}
				c.commit(ctx, m)
			}
		}(queues[i])
	}

	stop := func() error {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
		select {
		case err := <-failed:
			return err
		default:
			return nil
		}
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ferr := stop(); ferr != nil {
				return ferr
			}
			if parent.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case queues[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			if ferr := stop(); ferr != nil {
				return ferr
			}
			return nil
		}
	}
}

// handle runs h with doubling backoff between attempts. The handler itself
// is never cancelled by shutdown; only the waits between attempts are.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) error {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := h(context.WithoutCancel(ctx), m)
		if err == nil {
			return nil
		}
		log := c.log.With(zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Int("attempt", attempt))
		if attempt > c.retries {
			log.Error("handle message gave up", zap.Error(err))
			return fmt.Errorf("partition %d offset %d: %w", m.Partition, m.Offset, err)
		}
		log.Warn("handle message failed, retrying", zap.Duration("in", wait), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		wait *= 2
	}
}

func (c *Consumer) commit(ctx context.Context, m kafka.Message) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.r.CommitMessages(cctx, m); err != nil {
		c.log.Warn("commit offset", zap.Int("partition", m.Partition), zap.Int64("offset", m.Offset), zap.Error(err))
	}
}
