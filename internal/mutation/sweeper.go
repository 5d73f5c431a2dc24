package mutation

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/memgraph/internal/metrics"
	"github.com/mohammad-safakhou/memgraph/internal/store"
	"github.com/mohammad-safakhou/memgraph/internal/vector"
)

// SweepStore is the slice of the store the sweeper drains tombstones from.
type SweepStore interface {
	ListTombstonesOldestFirst(ctx context.Context, limit, maxRetry int) ([]store.TombstoneRecord, error)
	DeleteTombstone(ctx context.Context, id int64) error
	BumpTombstone(ctx context.Context, id int64, lastError string) error
}

// Sweeper retries queued vector-index deletes on a cron cadence. A redis
// lock keeps concurrent replicas from draining the same batch.
type Sweeper struct {
	Store       SweepStore
	Index       vector.Index
	Rdb         *redis.Client
	Stop        chan struct{}
	Cron        string
	BatchSize   int
	MaxAttempts int
	LockTTL     time.Duration
	Timeout     time.Duration
	Logger      *log.Logger

	lastRun time.Time
}

func (s *Sweeper) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Sweeper) tick() {
	if !s.due() {
		return
	}
	s.lastRun = time.Now()
	ctx := context.Background()

	if s.Rdb != nil {
		ttl := s.LockTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		ok, _ := s.Rdb.SetNX(ctx, "sweep:lock:tombstones", "1", ttl).Result()
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "sweep:lock:tombstones")
	}

	if err := s.RunOnce(ctx); err != nil {
		s.Logger.Printf("sweep failed: %v", err)
	}
}

// RunOnce drains one batch of tombstones, oldest first. Exposed for the
// sweep subcommand and tests.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	if s.Index == nil {
		return nil
	}
	batch := s.BatchSize
	if batch <= 0 {
		batch = 25
	}
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 25
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	// Rows past the retry budget are left out of the batch; they stay in
	// the table so the stale vector entry remains on record.
	rows, err := s.Store.ListTombstonesOldestFirst(ctx, batch, maxAttempts)
	if err != nil {
		return err
	}
	for _, row := range rows {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		derr := s.Index.Delete(callCtx, row.TenantID, row.ExternalID)
		cancel()
		if derr != nil {
			metrics.VectorFailures.WithLabelValues("sweep").Inc()
			if err := s.Store.BumpTombstone(ctx, row.ID, derr.Error()); err != nil {
				return err
			}
			if row.RetryCount+1 >= maxAttempts && s.Logger != nil {
				s.Logger.Printf("tombstone %d (%s) exhausted %d attempts, leaving row in place", row.ID, row.ExternalID, row.RetryCount+1)
			}
			continue
		}
		if err := s.Store.DeleteTombstone(ctx, row.ID); err != nil {
			return err
		}
		metrics.TombstonesRetired.Inc()
	}
	return nil
}

func (s *Sweeper) due() bool {
	if s.Cron == "" {
		return true
	}
	expr, err := cronexpr.Parse(s.Cron)
	if err != nil {
		// Invalid cadence degrades to every tick rather than never.
		return true
	}
	if s.lastRun.IsZero() {
		return true
	}
	return !expr.Next(s.lastRun).After(time.Now())
}
