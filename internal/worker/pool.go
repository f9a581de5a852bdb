package worker

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/queue"
)

// HandlerFunc processes one message. Processor.Handle satisfies it.
type HandlerFunc func(ctx context.Context, msg queue.Message) error

// HeaderDeliveryAttempt counts how many times a work item went back on the
// queue after its handler kept failing.
const HeaderDeliveryAttempt = "x-delivery-attempt"

// Pool feeds messages from one consumer to a fixed number of handlers.
//
// A consumer group commits offsets, not single messages: once a later
// message on the partition is acknowledged, an unacknowledged one before it
// is never seen again. A failing item is therefore retried in place and
// then published again before its offset is acknowledged.
type Pool struct {
	consumer queue.Consumer
	handle   HandlerFunc
	workers  int
	logger   *slog.Logger

	attempts     uint
	retryInitial time.Duration
	retryMax     time.Duration
	requeue      queue.Publisher
	maxRequeues  int
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithHandlerRetry bounds the in-place attempts for one delivery.
func WithHandlerRetry(attempts int, initial, max time.Duration) PoolOption {
	return func(p *Pool) {
		if attempts > 0 {
			p.attempts = uint(attempts)
		}
		if initial > 0 {
			p.retryInitial = initial
		}
		if max > 0 {
			p.retryMax = max
		}
	}
}

// WithRequeue publishes items that exhausted their attempts back on the
// queue, at most limit times per item.
func WithRequeue(pub queue.Publisher, limit int) PoolOption {
	return func(p *Pool) {
		p.requeue = pub
		p.maxRequeues = limit
	}
}

func NewPool(consumer queue.Consumer, handle HandlerFunc, workers int, logger *slog.Logger, opts ...PoolOption) *Pool {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		consumer:     consumer,
		handle:       handle,
		workers:      workers,
		logger:       logger,
		attempts:     3,
		retryInitial: 200 * time.Millisecond,
		retryMax:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is done or the consumer is closed. Messages already
// handed to a worker are finished and acknowledged even after ctx is
// cancelled; fetched messages nobody picked up are left for redelivery.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	deliveries := make(chan queue.Delivery)

	g.Go(func() error {
		defer close(deliveries)
		for {
			d, err := p.consumer.Fetch(gctx)
			if err != nil {
				if gctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
					return nil
				}
				p.logger.WarnContext(gctx, "queue fetch failed", "error", err)
				select {
				case <-time.After(500 * time.Millisecond):
					continue
				case <-gctx.Done():
					return nil
				}
			}
			select {
			case deliveries <- d:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for d := range deliveries {
				p.process(context.WithoutCancel(gctx), d)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) process(ctx context.Context, d queue.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "work item handler panicked", "key", d.Key, "panic", r)
		}
	}()
	if err := p.handleWithRetry(ctx, d.Message); err != nil {
		if !p.handOff(ctx, d.Message, err) {
			return
		}
	}
	if err := d.Ack(ctx); err != nil {
		p.logger.WarnContext(ctx, "work item not acknowledged", "key", d.Key, "error", err)
	}
}

func (p *Pool) handleWithRetry(ctx context.Context, msg queue.Message) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.retryInitial
	b.MaxInterval = p.retryMax
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, p.handle(ctx, msg)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.WarnContext(ctx, "work item failed, retrying", "key", msg.Key, "retry_in", next, "error", err)
		}),
	)
	return err
}

// handOff puts a failed item back on the queue. It reports whether the
// original delivery may be acknowledged.
func (p *Pool) handOff(ctx context.Context, msg queue.Message, cause error) bool {
	if p.requeue == nil {
		p.logger.ErrorContext(ctx, "work item dropped", "key", msg.Key, "error", cause)
		return true
	}
	n, _ := strconv.Atoi(msg.Headers[HeaderDeliveryAttempt])
	if n >= p.maxRequeues {
		p.logger.ErrorContext(ctx, "work item dropped after requeues", "key", msg.Key, "requeues", n, "error", cause)
		return true
	}
	next := queue.Message{Key: msg.Key, Value: msg.Value, Headers: maps.Clone(msg.Headers)}
	if next.Headers == nil {
		next.Headers = make(map[string]string, 1)
	}
	next.Headers[HeaderDeliveryAttempt] = strconv.Itoa(n + 1)
	if err := p.requeue.Publish(ctx, next); err != nil {
		p.logger.ErrorContext(ctx, "work item could not be requeued", "key", msg.Key, "error", err, "cause", cause)
		return false
	}
	p.logger.WarnContext(ctx, "work item requeued", "key", msg.Key, "requeues", n+1, "error", cause)
	return true
}
