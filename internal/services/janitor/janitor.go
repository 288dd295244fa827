// Package janitor periodically purges refresh token records past their retention.
package janitor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"tokend/internal/lib/metrics"
	"tokend/internal/lib/sl"
)

type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Janitor deletes records that expired more than retention ago. Keeping
// expired records for a while lets replayed tokens still be told apart from
// unknown ones.
type Janitor struct {
	log       *slog.Logger
	store     ExpiredDeleter
	metrics   *metrics.Recorder
	interval  time.Duration
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(
	log *slog.Logger,
	store ExpiredDeleter,
	recorder *metrics.Recorder,
	interval, retention, timeout time.Duration,
) *Janitor {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	return &Janitor{
		log:       log,
		store:     store,
		metrics:   recorder,
		interval:  interval,
		retention: retention,
		timeout:   timeout,
		now:       time.Now,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Sweep runs a single purge pass and returns the number of deleted records.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	const op = "janitor.Sweep"

	log := j.log.With(slog.String("op", op))

	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}

	n, err := j.store.DeleteExpired(ctx, j.now().Add(-j.retention))
	if err != nil {
		log.Error("failed to delete expired refresh tokens", sl.Err(err))
		return 0, err
	}

	j.metrics.GCDeleted(ctx, n)
	if n > 0 {
		log.Info("expired refresh tokens deleted", slog.Int64("count", n))
	}

	return n, nil
}

// Start runs Sweep every interval until Stop is called.
func (j *Janitor) Start() {
	if j.started.CompareAndSwap(false, true) {
		go j.loop()
	}
}

func (j *Janitor) loop() {
	defer close(j.done)

	if j.interval <= 0 {
		<-j.stop
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stop:
			return
		case <-ticker.C:
			_, _ = j.Sweep(context.Background())
		}
	}
}

// Stop ends the loop started by Start and waits for it to return. A stopped
// janitor cannot be restarted.
func (j *Janitor) Stop() {
	if !j.started.Load() {
		return
	}
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done
}
