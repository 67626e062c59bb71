// ABOUTME: Background worker that reconciles media messages with captions
// ABOUTME: Fixed goroutine pool, non-blocking enqueue, idempotent write-back keyed by (session, index)

package caption

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/yen-gateway/internal/store"
)

// Captioner produces a short description for a media URL.
type Captioner interface {
	Caption(ctx context.Context, kind, url string) (string, error)
}

// Job identifies one media message awaiting a caption.
type Job struct {
	SessionID string
	Index     int
	Kind      string
	URL       string
}

const (
	defaultWorkers   = 2
	defaultQueueSize = 256
	defaultJobTime   = 60 * time.Second
)

// Worker runs caption reconciliation off the hot path. Jobs arrive from
// the router as users send media, or from Sweep picking up whatever was
// missed. Failures are logged and dropped; the message simply stays
// pending until a later sweep.
type Worker struct {
	store     store.Store
	captioner Captioner
	jobTime   time.Duration
	logger    *slog.Logger

	jobs      chan Job
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Options tunes the worker pool. Zero values get defaults.
type Options struct {
	Workers   int
	QueueSize int
	JobTime   time.Duration
}

func NewWorker(st store.Store, captioner Captioner, opts Options) *Worker {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.JobTime <= 0 {
		opts.JobTime = defaultJobTime
	}

	w := &Worker{
		store:     st,
		captioner: captioner,
		jobTime:   opts.JobTime,
		logger:    slog.Default().With("component", "caption"),
		jobs:      make(chan Job, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		w.wg.Add(1)
		go w.run()
	}
	return w
}

// NotifyMedia implements the router's media hook.
func (w *Worker) NotifyMedia(sessionID string, index int, kind, url string) {
	w.Enqueue(Job{SessionID: sessionID, Index: index, Kind: kind, URL: url})
}

// Enqueue offers a job without blocking. A full queue drops the job;
// Sweep will find it again.
func (w *Worker) Enqueue(job Job) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		w.logger.Warn("caption queue full, dropping job",
			"session_id", job.SessionID, "index", job.Index)
		return false
	}
}

// Sweep scans for media messages still lacking captions and enqueues
// them. Returns how many were enqueued.
func (w *Worker) Sweep(ctx context.Context, limit int) (int, error) {
	pending, err := w.store.ListPendingMedia(ctx, limit)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, p := range pending {
		if w.Enqueue(Job{SessionID: p.SessionID, Index: p.Index, Kind: p.Kind, URL: p.URL}) {
			enqueued++
		}
	}
	if enqueued > 0 {
		w.logger.Info("sweep enqueued pending media", "count", enqueued)
	}
	return enqueued, nil
}

// RunSweeper sweeps on a fixed interval until ctx is canceled.
func (w *Worker) RunSweeper(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx, limit); err != nil {
				w.logger.Warn("sweep failed", "error", err)
			}
		}
	}
}

// Close stops accepting jobs, drains the queue, and waits for in-flight
// captions to finish.
func (w *Worker) Close() {
	w.closeOnce.Do(func() { close(w.jobs) })
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()
	for job := range w.jobs {
		w.process(job)
	}
}

func (w *Worker) process(job Job) {
	// No vision provider configured: media stays pending.
	if w.captioner == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.jobTime)
	defer cancel()

	caption, err := w.captioner.Caption(ctx, job.Kind, job.URL)
	if err != nil {
		w.logger.Warn("captioning failed",
			"session_id", job.SessionID, "index", job.Index, "error", err)
		return
	}

	// Never overwrite: a caption that appeared meanwhile wins, which
	// makes duplicate jobs for the same message harmless.
	err = w.store.SetCaption(ctx, job.SessionID, job.Index, caption, false)
	switch {
	case errors.Is(err, store.ErrNotFound):
		w.logger.Warn("caption target vanished",
			"session_id", job.SessionID, "index", job.Index)
	case err != nil:
		w.logger.Warn("caption write failed",
			"session_id", job.SessionID, "index", job.Index, "error", err)
	default:
		w.logger.Info("caption reconciled",
			"session_id", job.SessionID, "index", job.Index, "kind", job.Kind)
	}
}
