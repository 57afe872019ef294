package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("notify: mail queue is full")
	ErrQueueClosed = errors.New("notify: mail queue is closed")
)

// Sender is the delivery side of a Queue.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// QueueConfig sizes a Queue.
type QueueConfig struct {
	Workers     int           `yaml:"workers"`
	Capacity    int           `yaml:"capacity"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

type outbound struct {
	to, subject, body string
}

// Queue hands messages to background workers so callers never wait on
// delivery. Send only reports whether the message was accepted.
type Queue struct {
	next    Sender
	log     *zap.Logger
	timeout time.Duration
	jobs    chan outbound

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewQueue starts cfg.Workers goroutines delivering through next.
func NewQueue(next Sender, cfg QueueConfig, log *zap.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		next:    next,
		log:     log,
		timeout: cfg.SendTimeout,
		jobs:    make(chan outbound, cfg.Capacity),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Send enqueues a message. It never blocks on delivery.
func (q *Queue) Send(_ context.Context, to, subject, body string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- outbound{to: to, subject: subject, body: body}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting messages and waits for queued ones to be delivered
// or for ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for msg := range q.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
		if err := q.next.Send(ctx, msg.to, msg.subject, msg.body); err != nil {
			q.log.Warn("queued mail not delivered", zap.String("subject", msg.subject), zap.Error(err))
		}
		cancel()
	}
}
