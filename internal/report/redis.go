package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/logging"
)

// Bus abstracts the pub/sub operation used by the publisher to make testing easier.
type Bus interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisBus is a concrete Bus backed by go-redis.
type RedisBus struct {
	client *redis.Client
}

// NewRedisBus constructs a Bus adapter around an existing client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

// Publish sends a message to a redis pub/sub channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, message interface{}) error {
	return b.client.Publish(ctx, channel, message).Err()
}

// RedisPublisher forwards notices to a pub/sub channel from its own
// goroutine. Report never blocks; notices are dropped when the queue is full.
type RedisPublisher struct {
	bus            Bus
	channel        string
	queue          chan Notice
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// PublisherStats counts what became of reported notices.
type PublisherStats struct {
	Published int64 `json:"published"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// NewRedisPublisher constructs a publisher. Call Run to start delivery.
func NewRedisPublisher(bus Bus, channel string, queueSize int, logger *zap.Logger) *RedisPublisher {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &RedisPublisher{
		bus:            bus,
		channel:        channel,
		queue:          make(chan Notice, queueSize),
		logger:         logger.Named("redis_publisher"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Report queues n for publishing.
func (p *RedisPublisher) Report(n Notice) {
	select {
	case p.queue <- n:
	default:
		p.dropped.Add(1)
	}
}

// Stats returns the delivery counters.
func (p *RedisPublisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}

// Run publishes queued notices until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-p.queue:
			err := p.deliver(ctx, n)
			switch {
			case err == nil:
				p.published.Add(1)
			case ctx.Err() != nil:
				return
			default:
				p.failed.Add(1)
				p.logger.Warn("notice not published", logging.ErrorFields(err)...)
			}
		}
	}
}

// deliver publishes one notice. Retryable failures are retried with backoff
// until the attempts run out or the queue fills up behind it.
func (p *RedisPublisher) deliver(ctx context.Context, n Notice) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return logging.NewOperationError("report.encode", n.SessionID, err)
	}

	backoff := p.initialBackoff
	for attempt := 1; ; attempt++ {
		err = p.bus.Publish(ctx, p.channel, string(payload))
		if err == nil {
			if attempt > 1 {
				p.logger.Debug("notice published after retry", zap.Int("attempt", attempt), zap.String("kind", string(n.Kind)))
			}
			return nil
		}
		if attempt >= p.retryAttempts || !retryable(err) || p.backlogged() {
			return logging.NewOperationError("report.publish", n.SessionID, fmt.Errorf("attempt %d: %w", attempt, err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
}

func (p *RedisPublisher) backlogged() bool {
	return len(p.queue) == cap(p.queue)
}

// retryable reports whether a publish may succeed if repeated: timeouts,
// dropped connections and a server that is loading or failing over.
func retryable(err error) bool {
	switch {
	case errors.Is(err, redis.ErrClosed), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var serverErr redis.Error
	if errors.As(err, &serverErr) {
		msg := serverErr.Error()
		for _, prefix := range []string{"LOADING ", "READONLY ", "MASTERDOWN ", "TRYAGAIN ", "CLUSTERDOWN "} {
			if strings.HasPrefix(msg, prefix) {
				return true
			}
		}
	}
	return false
}
