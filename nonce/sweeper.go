package nonce

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/payward/x402gate/cache"
)

// SweepReport summarizes one pass of the expiration sweep.
type SweepReport struct {
	Scanned  int
	Deleted  int
	Duration time.Duration
	Errors   []string
}

// Sweep scans the store's replay records and deletes, in batches, every
// entry whose TTL is missing: correctness comes from the TTL attached in
// ValidateAndConsume, so a TTL-less record is a cache defect that would
// otherwise live forever. This is a hygiene job, not a correctness
// requirement, and it only ever deletes keys that concurrent validations
// would also treat as dead weight.
func (s *Store) Sweep(ctx context.Context, batchSize int) SweepReport {
	if batchSize <= 0 {
		batchSize = 100
	}
	start := time.Now()
	report := SweepReport{}

	keys, err := s.cache.Keys(ctx, s.keyPrefix+"*")
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.Duration = time.Since(start)
		return report
	}
	report.Scanned = len(keys)

	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		deleted, err := s.cache.Delete(ctx, batch...)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
		} else {
			report.Deleted += int(deleted)
		}
		batch = batch[:0]
	}

	for _, key := range keys {
		ttl, err := s.cache.TTL(ctx, key)
		if err != nil {
			if err != cache.ErrNotFound {
				report.Errors = append(report.Errors, err.Error())
			}
			continue
		}
		if ttl == cache.NoExpiry || ttl < 0 {
			batch = append(batch, key)
			if len(batch) >= batchSize {
				flush()
			}
		}
	}
	flush()

	report.Duration = time.Since(start)
	return report
}

// Sweeper runs Sweep on a fixed schedule, independent of the request
// path. It holds no locks the request path needs.
type Sweeper struct {
	store     *Store
	interval  time.Duration
	batchSize int
	log       *zap.Logger
	stop      chan struct{}
	done      chan struct{}
}

// NewSweeper creates a sweeper for the given store. A non-positive
// interval defaults to 10 minutes.
func NewSweeper(store *Store, interval time.Duration, batchSize int, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (w *Sweeper) Start() {
	go w.run()
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (w *Sweeper) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Sweeper) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			report := w.store.Sweep(ctx, w.batchSize)
			cancel()
			w.log.Info("nonce sweep finished",
				zap.Int("scanned", report.Scanned),
				zap.Int("deleted", report.Deleted),
				zap.Duration("duration", report.Duration),
				zap.Strings("errors", report.Errors))
		case <-w.stop:
			return
		}
	}
}
