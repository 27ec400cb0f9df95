package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/scott-williams-2002/polyplexity-sub000/config"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/session"
	"github.com/scott-williams-2002/polyplexity-sub000/internal/store"
)

const (
	sweepLockKey = "polyplexity:lock:retention"
	sweepLockTTL = 5 * time.Minute
)

// IdleStore lists and deletes idle threads.
type IdleStore interface {
	ListIdleThreads(ctx context.Context, before time.Time) ([]string, error)
	LoadThread(ctx context.Context, id string) (store.Thread, error)
	DeleteThread(ctx context.Context, id string) error
}

// Sweeper deletes idle threads on a cron schedule. With Redis configured only
// one replica sweeps per tick. Each thread is deleted under its turn lock so
// a sweep never races a running turn.
type Sweeper struct {
	store  IdleStore
	rdb    *redis.Client
	locker session.Locker
	expr   *cronexpr.Expression
	idle   time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewSweeper(st IdleStore, rdb *redis.Client, locker session.Locker, cfg config.RetentionConfig, logger *log.Logger) (*Sweeper, error) {
	expr, err := cronexpr.Parse(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("retention.cron %q: %w", cfg.Cron, err)
	}
	if cfg.IdleDays <= 0 {
		return nil, fmt.Errorf("retention.idle_days must be > 0")
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	if locker == nil {
		locker = session.NewLocalLocker(0)
	}
	return &Sweeper{
		store:  st,
		rdb:    rdb,
		locker: locker,
		expr:   expr,
		idle:   time.Duration(cfg.IdleDays) * 24 * time.Hour,
		logger: logger,
		now:    time.Now,
	}, nil
}

// Next is the next scheduled sweep after t.
func (s *Sweeper) Next(t time.Time) time.Time { return s.expr.Next(t) }

// Run sweeps on schedule until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next := s.expr.Next(s.now())
		if next.IsZero() {
			s.logger.Printf("schedule has no further runs; sweeper stopped")
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		n, err := s.SweepOnce(ctx)
		if err != nil {
			s.logger.Printf("sweep failed: %v", err)
			continue
		}
		s.logger.Printf("pruned %d idle threads", n)
	}
}

// SweepOnce deletes threads idle for longer than the retention window. It
// returns 0 without sweeping when another replica holds the sweep lock.
// Threads that are busy, or became active while waiting for their lock, are
// left for a later sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	if s.rdb != nil {
		host, _ := os.Hostname()
		ok, err := s.rdb.SetNX(ctx, sweepLockKey, host, sweepLockTTL).Result()
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return 0, nil
		}
		defer s.rdb.Del(context.WithoutCancel(ctx), sweepLockKey)
	}
	before := s.now().Add(-s.idle)
	ids, err := s.store.ListIdleThreads(ctx, before)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, id := range ids {
		deleted, err := s.sweepThread(ctx, id, before)
		if errors.Is(err, session.ErrLockTimeout) {
			continue
		}
		if err != nil {
			return n, err
		}
		if deleted {
			n++
		}
	}
	return n, nil
}

func (s *Sweeper) sweepThread(ctx context.Context, id string, before time.Time) (bool, error) {
	unlock, err := s.locker.Lock(ctx, id)
	if err != nil {
		return false, err
	}
	defer unlock()
	th, err := s.store.LoadThread(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !th.UpdatedAt.Before(before) {
		return false, nil
	}
	if err := s.store.DeleteThread(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("delete idle thread %s: %w", id, err)
	}
	return true, nil
}
