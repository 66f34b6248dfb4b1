package view

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"aurapaste/metrics"
	"aurapaste/pkg/domain"
	"aurapaste/svc/store"
	"aurapaste/svc/util"
)

const (
	recordTimeout = 5 * time.Second
	maxAgentLen   = 256
)

// AuthorStats receives view totals for the paste author. The recorder
// treats propagation failures as non-fatal.
type AuthorStats interface {
	AddViews(ctx context.Context, uid string, n int64) error
}

type job struct {
	pasteID   string
	authorUID string
	actorUID  string
	signals   domain.EnvironmentSignals
}

// Recorder counts paste views with per-session hourly deduplication.
// Accounting runs on a background worker pool and never surfaces errors
// to the read path.
type Recorder struct {
	store       store.Store
	stats       AuthorStats
	fingerprint Fingerprinter
	now         func() time.Time

	queue       chan job
	workerWg    sync.WaitGroup
	shutdown    atomic.Bool
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

func NewRecorder(st store.Store, stats AuthorStats, workers, queueSize int) *Recorder {
	if st == nil {
		panic("view recorder: nil store")
	}
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = workers * 128
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	r := &Recorder{
		store:       st,
		stats:       stats,
		fingerprint: Fingerprint,
		now:         time.Now,
		queue:       make(chan job, queueSize),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	for i := 0; i < workers; i++ {
		r.workerWg.Add(1)
		go r.worker()
	}
	return r
}

// Enqueue hands a view off to the worker pool. It never blocks; when
// the queue is saturated the view is dropped rather than stalling the
// caller.
func (r *Recorder) Enqueue(pasteID, authorUID, actorUID string, sig domain.EnvironmentSignals) {
	if r.shutdown.Load() {
		return
	}
	select {
	case r.queue <- job{pasteID: pasteID, authorUID: authorUID, actorUID: actorUID, signals: sig}:
	default:
		util.Warn().Str("id", pasteID).Msg("view queue full, dropping view")
	}
}

func (r *Recorder) worker() {
	defer r.workerWg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			util.Error().Interface("panic", rec).Msg("view worker panicked")
		}
	}()
	for j := range r.queue {
		ctx, cancel := context.WithTimeout(r.shutdownCtx, recordTimeout)
		r.record(ctx, j)
		cancel()
	}
}

// record applies one view. A repeat view from the same session within
// the same clock hour is a no-op; everything else increments the paste
// counter and, when the author is known, their running totals.
func (r *Recorder) record(ctx context.Context, j job) {
	identity := j.actorUID
	guest := identity == ""
	if guest {
		identity = r.fingerprint(j.signals)
	}
	bucket := fmt.Sprintf("%s_%d", identity, r.now().Unix()/3600)
	docID := j.pasteID + "_" + bucket

	counted, err := r.countOnce(ctx, j, docID, bucket, guest)
	if err != nil {
		// Dedup bookkeeping is best effort. Fall back to a plain
		// increment so the paste still gets credit for the view.
		util.Warn().Err(err).Str("id", j.pasteID).Msg("view dedup failed, counting without dedup")
		metrics.ViewsDegraded.Inc()
		if err := r.store.AtomicIncrement(ctx, store.Pastes, j.pasteID, "viewCount", 1); err != nil {
			util.Error().Err(err).Str("id", j.pasteID).Msg("failed to count view")
			return
		}
		counted = true
	}
	if !counted {
		metrics.ViewsDeduplicated.Inc()
		return
	}
	metrics.ViewsCounted.Inc()

	if j.authorUID == "" || r.stats == nil {
		return
	}
	if err := r.stats.AddViews(ctx, j.authorUID, 1); err != nil {
		util.Warn().Err(err).Str("author", j.authorUID).Msg("failed to propagate view to author stats")
	}
}

func (r *Recorder) countOnce(ctx context.Context, j job, docID, bucket string, guest bool) (bool, error) {
	counted := false
	err := r.store.Transaction(ctx, func(tx store.Tx) error {
		seen, err := tx.Exists(store.Views, docID)
		if err != nil {
			return errors.Wrap(err, "check view ledger")
		}
		if seen {
			return nil
		}
		if err := tx.Increment(store.Pastes, j.pasteID, "viewCount", 1); err != nil {
			return errors.Wrap(err, "increment view count")
		}
		agent := j.signals.UserAgent
		if len(agent) > maxAgentLen {
			agent = agent[:maxAgentLen]
		}
		rec := domain.ViewRecord{
			PasteID:   j.pasteID,
			Bucket:    bucket,
			AuthorUID: j.authorUID,
			Guest:     guest,
			UserAgent: agent,
			ViewedAt:  r.now().UTC(),
		}
		if err := tx.Create(store.Views, docID, rec); err != nil {
			return errors.Wrap(err, "write view ledger")
		}
		counted = true
		return nil
	})
	return counted, err
}

// Shutdown drains the queue and stops the workers. New views enqueued
// after Shutdown are dropped.
func (r *Recorder) Shutdown() {
	if r.shutdown.Swap(true) {
		return
	}
	close(r.queue)
	done := make(chan struct{})
	go func() {
		r.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("view workers didn't stop in time")
	}
	r.shutdownFn()
}
