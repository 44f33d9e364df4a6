package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/esimly/fulfillment-service/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConcurrency     = 4
	defaultPollInterval    = time.Second
	defaultStaleProcessing = 5 * time.Minute
	defaultJobTimeout      = 2 * time.Minute
)

// HandlerFunc runs one job. Returning an error reschedules it with backoff.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the worker buries the job instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WorkerOptions tunes a WorkerPool. Zero values fall back to defaults.
type WorkerOptions struct {
	Concurrency     int
	PollInterval    time.Duration
	StaleProcessing time.Duration
	JobTimeout      time.Duration
}

// WorkerPool polls the job table and runs claimed jobs on a bounded set of goroutines.
type WorkerPool struct {
	repo            store.JobRepository
	handlers        map[string]HandlerFunc
	concurrency     int
	pollInterval    time.Duration
	staleProcessing time.Duration
	jobTimeout      time.Duration
}

func NewWorkerPool(repo store.JobRepository, opts WorkerOptions) *WorkerPool {
	pool := &WorkerPool{
		repo:            repo,
		handlers:        make(map[string]HandlerFunc),
		concurrency:     opts.Concurrency,
		pollInterval:    opts.PollInterval,
		staleProcessing: opts.StaleProcessing,
		jobTimeout:      opts.JobTimeout,
	}
	if pool.concurrency <= 0 {
		pool.concurrency = defaultConcurrency
	}
	if pool.pollInterval <= 0 {
		pool.pollInterval = defaultPollInterval
	}
	if pool.staleProcessing <= 0 {
		pool.staleProcessing = defaultStaleProcessing
	}
	if pool.jobTimeout <= 0 {
		pool.jobTimeout = defaultJobTimeout
	}
	return pool
}

// Handle registers the handler for a job name.
func (p *WorkerPool) Handle(name string, handler HandlerFunc) {
	p.handlers[name] = handler
}

// Run polls until ctx is cancelled.
func (p *WorkerPool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	log.WithFields(log.Fields{"component": "jobs", "concurrency": p.concurrency}).Info("Worker pool started")
	for {
		select {
		case <-ctx.Done():
			log.WithField("component", "jobs").Info("Worker pool stopped")
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx); err != nil {
				log.WithError(err).WithField("component", "jobs").Error("Job poll failed")
			}
		}
	}
}

// RunOnce claims one batch and waits for it to finish. It returns the number of jobs run.
func (p *WorkerPool) RunOnce(ctx context.Context) (int, error) {
	claimed, err := p.repo.ClaimJobs(ctx, p.concurrency, int(p.staleProcessing.Seconds()))
	if err != nil {
		return 0, err
	}

	var wg sync.WaitGroup
	for _, job := range claimed {
		wg.Add(1)
		go func(job store.JobRecord) {
			defer wg.Done()
			p.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return len(claimed), nil
}

func (p *WorkerPool) process(ctx context.Context, job store.JobRecord) {
	logger := log.WithFields(log.Fields{"component": "jobs", "job": job.Name, "job_id": job.ID, "attempt": job.Attempts})

	handler, ok := p.handlers[job.Name]
	if !ok {
		logger.Error("No handler registered; burying job")
		_ = p.repo.BuryJob(ctx, job.ID, "no handler registered")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	defer cancel()

	err := runHandler(jobCtx, handler, job.Payload)
	if err == nil {
		if markErr := p.repo.CompleteJob(ctx, job.ID); markErr != nil {
			logger.WithError(markErr).Error("Failed to mark job done")
		}
		return
	}

	if IsPermanent(err) || (job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts) {
		logger.WithError(err).Error("Job failed permanently")
		_ = p.repo.BuryJob(ctx, job.ID, err.Error())
		return
	}
	retryAfter := retryDelaySeconds(job.Attempts)
	logger.WithError(err).WithField("retry_after_s", retryAfter).Warn("Job failed; rescheduling")
	if markErr := p.repo.RetryJob(ctx, job.ID, retryAfter, err.Error()); markErr != nil {
		logger.WithError(markErr).Error("Failed to reschedule job")
	}
}

func runHandler(ctx context.Context, handler HandlerFunc, payload json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return handler(ctx, payload)
}

func retryDelaySeconds(attempt int) int {
	if attempt < 1 {
		return 1
	}
	delay := 1 << minInt(attempt, 8)
	if delay > 300 {
		return 300
	}
	return delay
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
