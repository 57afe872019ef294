package auth

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSweepSchedule runs the revocation sweep at the top of every hour.
const DefaultSweepSchedule = "@hourly"

// Sweeper periodically removes revocation entries for expired tokens.
type Sweeper struct {
	ledger   RevocationLedger
	log      *zap.Logger
	now      func() time.Time
	timeout  time.Duration
	cron     *cron.Cron
	onSweep  func(int64)
	schedule string
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepSchedule sets a cron expression such as "*/15 * * * *" or "@every 10m".
func WithSweepSchedule(expr string) SweeperOption {
	return func(s *Sweeper) {
		if expr != "" {
			s.schedule = expr
		}
	}
}

// WithSweepHook registers a callback receiving the number of removed entries.
func WithSweepHook(fn func(int64)) SweeperOption {
	return func(s *Sweeper) { s.onSweep = fn }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if l != nil {
			s.log = l
		}
	}
}

// NewSweeper builds a Sweeper. Call Start to schedule it.
func NewSweeper(ledger RevocationLedger, opts ...SweeperOption) (*Sweeper, error) {
	if ledger == nil {
		return nil, errors.New("auth: revocation ledger is required")
	}
	s := &Sweeper{
		ledger:   ledger,
		log:      zap.NewNop(),
		now:      time.Now,
		timeout:  30 * time.Second,
		cron:     cron.New(),
		schedule: DefaultSweepSchedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.cron.AddFunc(s.schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start schedules the sweep in a background goroutine.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.log.Info("revocation sweeper started", zap.String("schedule", s.schedule))
}

// Stop halts scheduling and waits for a running sweep or ctx, whichever ends first.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// RunOnce performs a single sweep.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	n, err := s.ledger.Sweep(ctx, s.now().UTC())
	if err != nil {
		return 0, err
	}
	if s.onSweep != nil {
		s.onSweep(n)
	}
	return n, nil
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.log.Error("revocation sweep failed", zap.Error(err))
		return
	}
	s.log.Info("revocation sweep finished", zap.Int64("removed", n))
}
