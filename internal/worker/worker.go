// Package worker runs the reconciliation job queue: a pool of processors
// claiming jobs from Postgres, retrying with backoff and releasing claimed
// jobs on shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rexanwong/textbehindimage/backend/internal/models"
)

// Handler is a function that processes a job
type Handler func(ctx context.Context, job *models.Job) error

// Handlers maps job types to their handlers
type Handlers map[string]Handler

// Queue is the persistence the worker needs. *store.JobStore satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, job *models.Job) error
	ClaimNextJob(ctx context.Context, workerID string, staleAfter time.Duration) (*models.Job, error)
	MarkCompleted(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, errorMsg string) error
	ScheduleRetry(ctx context.Context, id int64, errorMsg string, retryAfter time.Time) error
	ReleaseJob(ctx context.Context, id int64) error
	GetStats(ctx context.Context) (*models.JobStats, error)
}

// Instrumentation provides hooks for monitoring job lifecycle
type Instrumentation struct {
	OnEnqueue   func(job *models.Job)
	OnStart     func(job *models.Job)
	OnComplete  func(job *models.Job, duration time.Duration)
	OnFail      func(job *models.Job, err error, duration time.Duration)
	OnRetry     func(job *models.Job, retryAfter time.Duration)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker statistics
type Stats struct {
	JobsProcessed   int64
	JobsSucceeded   int64
	JobsFailed      int64
	JobsRetried     int64
	ActiveWorkers   int
	LastProcessedAt time.Time
}

// Config holds worker configuration
type Config struct {
	// MaxConcurrent is the maximum number of concurrent job processors
	MaxConcurrent int
	// PollInterval is the time between polling for new jobs
	PollInterval time.Duration
	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration
	// RetryMaxDelay is the maximum delay between retries
	RetryMaxDelay time.Duration
	// RetryBackoffMultiplier is the multiplier for exponential backoff
	RetryBackoffMultiplier float64
	// JobTimeout is the maximum time allowed for a job to run
	JobTimeout time.Duration
	// StaleClaimAfter is how long a processing job may go untouched before
	// another worker may claim it again. Defaults to twice JobTimeout.
	StaleClaimAfter time.Duration
	// ShutdownTimeout is the maximum time to wait for jobs to complete during shutdown
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval for sending heartbeat metrics
	HeartbeatInterval time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:          2,
		PollInterval:           time.Second,
		RetryBaseDelay:         2 * time.Second,
		RetryMaxDelay:          5 * time.Minute,
		RetryBackoffMultiplier: 2.0,
		JobTimeout:             30 * time.Second,
		ShutdownTimeout:        15 * time.Second,
		HeartbeatInterval:      30 * time.Second,
	}
}

// Worker is the async job queue processor
type Worker struct {
	config          Config
	queue           Queue
	handlers        Handlers
	instrumentation *Instrumentation
	logger          zerolog.Logger

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// activeJobs tracks currently processing job IDs for graceful shutdown
	activeJobs map[int64]context.CancelFunc

	statsMu         sync.RWMutex
	jobsProcessed   int64
	jobsSucceeded   int64
	jobsFailed      int64
	jobsRetried     int64
	lastProcessedAt time.Time
}

// New creates a new Worker instance
func New(config Config, queue Queue, handlers Handlers) *Worker {
	def := DefaultConfig()
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = def.MaxConcurrent
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.RetryBaseDelay <= 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = def.RetryMaxDelay
	}
	if config.RetryBackoffMultiplier <= 1 {
		config.RetryBackoffMultiplier = def.RetryBackoffMultiplier
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = def.JobTimeout
	}
	if config.StaleClaimAfter <= 0 {
		config.StaleClaimAfter = 2 * config.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = def.HeartbeatInterval
	}
	if handlers == nil {
		handlers = Handlers{}
	}

	workerID := "worker-" + uuid.NewString()
	return &Worker{
		config:          config,
		queue:           queue,
		handlers:        handlers,
		workerID:        workerID,
		logger:          log.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		stopCh:          make(chan struct{}),
		activeJobs:      make(map[int64]context.CancelFunc),
		instrumentation: &Instrumentation{},
	}
}

// RegisterHandler binds a handler to a job type. It must be called before Start.
func (w *Worker) RegisterHandler(jobType string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = h
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inst == nil {
		inst = &Instrumentation{}
	}
	w.instrumentation = inst
}

// Start begins the worker loop
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("max_concurrent", w.config.MaxConcurrent).Msg("worker starting")

	if w.instrumentation.OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	for i := 0; i < w.config.MaxConcurrent; i++ {
		w.wg.Add(1)
		go w.processor(ctx, i)
	}
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.logger.Info().Msg("worker shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	w.cancelActiveJobs()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("worker stopped")
		return nil
	case <-shutdownCtx.Done():
		return errors.New("worker: shutdown timeout exceeded")
	}
}

// processor is the main loop for a single worker goroutine
func (w *Worker) processor(ctx context.Context, id int) {
	defer w.wg.Done()

	logger := w.logger.With().Int("processor", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
			if err := w.processNextJob(ctx); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					continue
				}
				logger.Error().Err(err).Msg("claim job")
				w.wait(ctx)
			}
		}
	}
}

func (w *Worker) wait(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-w.stopCh:
	case <-time.After(w.config.PollInterval):
	}
}

// processNextJob attempts to claim and process the next available job
func (w *Worker) processNextJob(ctx context.Context) error {
	job, err := w.queue.ClaimNextJob(ctx, w.workerID, w.config.StaleClaimAfter)
	if err != nil {
		return err
	}
	if job == nil {
		w.wait(ctx)
		return nil
	}

	w.processJob(ctx, job)
	return nil
}

// processJob handles the execution of a single job
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	w.trackActiveJob(job.ID, cancel)
	defer w.untrackActiveJob(job.ID)

	if w.instrumentation.OnStart != nil {
		w.instrumentation.OnStart(job)
	}

	w.logger.Debug().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Msg("processing job")

	w.mu.RLock()
	handler, ok := w.handlers[job.JobType]
	w.mu.RUnlock()
	if !ok {
		w.handleError(ctx, job, fmt.Errorf("no handler registered for job type: %s", job.JobType), start)
		return
	}

	if err := handler(jobCtx, job); err != nil {
		if w.interrupted(ctx) {
			w.releaseInterruptedJob(ctx, job, err)
			return
		}
		w.handleError(ctx, job, err, start)
		return
	}
	w.handleSuccess(ctx, job, start)
}

// interrupted reports whether the worker is shutting down, as opposed to the
// job itself failing or hitting JobTimeout.
func (w *Worker) interrupted(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// persistContext detaches queue writes from the caller's cancellation so a
// job's outcome is recorded even while the worker shuts down.
func (w *Worker) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.config.ShutdownTimeout)
}

// releaseInterruptedJob puts a job cut short by shutdown back to pending
// without spending one of its attempts on the failure counters.
func (w *Worker) releaseInterruptedJob(ctx context.Context, job *models.Job, cause error) {
	pctx, cancel := w.persistContext(ctx)
	defer cancel()

	logger := w.logger.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()
	if err := w.queue.ReleaseJob(pctx, job.ID); err != nil {
		logger.Error().Err(err).AnErr("cause", cause).Msg("release interrupted job")
		return
	}
	logger.Info().AnErr("cause", cause).Msg("job interrupted by shutdown, released back to pending")
}

// retryDelay is base * multiplier^(attempts-1), capped, with ±20% jitter.
func (w *Worker) retryDelay(attempts int) time.Duration {
	exp := float64(attempts - 1)
	if exp < 0 {
		exp = 0
	}
	base := float64(w.config.RetryBaseDelay) * math.Pow(w.config.RetryBackoffMultiplier, exp)
	delay := min(base, float64(w.config.RetryMaxDelay))
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

// handleError handles a job failure, retrying if appropriate
func (w *Worker) handleError(ctx context.Context, job *models.Job, err error, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsFailed++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnFail != nil {
		w.instrumentation.OnFail(job, err, duration)
	}

	logger := w.logger.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()

	pctx, cancel := w.persistContext(ctx)
	defer cancel()

	if job.CanRetry() {
		delay := w.retryDelay(job.Attempts)

		w.statsMu.Lock()
		w.jobsRetried++
		w.statsMu.Unlock()

		if w.instrumentation.OnRetry != nil {
			w.instrumentation.OnRetry(job, delay)
		}

		logger.Warn().Err(err).
			Dur("retry_in", delay).
			Int("attempt", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Msg("job failed, scheduling retry")

		if serr := w.queue.ScheduleRetry(pctx, job.ID, err.Error(), time.Now().Add(delay)); serr != nil {
			logger.Error().Err(serr).Msg("schedule retry")
		}
		return
	}

	logger.Error().Err(err).Int("attempts", job.Attempts).Msg("job exhausted all attempts")
	if merr := w.queue.MarkFailed(pctx, job.ID, err.Error()); merr != nil {
		logger.Error().Err(merr).Msg("mark job failed")
	}
}

// handleSuccess handles a successful job completion
func (w *Worker) handleSuccess(ctx context.Context, job *models.Job, start time.Time) {
	duration := time.Since(start)

	w.statsMu.Lock()
	w.jobsProcessed++
	w.jobsSucceeded++
	w.lastProcessedAt = time.Now()
	w.statsMu.Unlock()

	if w.instrumentation.OnComplete != nil {
		w.instrumentation.OnComplete(job, duration)
	}

	w.logger.Info().Int64("job_id", job.ID).Str("job_type", job.JobType).Dur("duration", duration).Msg("job completed")

	pctx, cancel := w.persistContext(ctx)
	defer cancel()

	if err := w.queue.MarkCompleted(pctx, job.ID); err != nil {
		w.logger.Error().Err(err).Int64("job_id", job.ID).Msg("mark job completed")
	}
}

func (w *Worker) trackActiveJob(jobID int64, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeJobs[jobID] = cancel
}

func (w *Worker) untrackActiveJob(jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.activeJobs, jobID)
}

// cancelActiveJobs cancels running handlers. Each processor then releases its
// own job back to pending; a handler that ignores cancellation leaves its row
// to stale-claim recovery.
func (w *Worker) cancelActiveJobs() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, cancel := range w.activeJobs {
		w.logger.Info().Int64("job_id", id).Msg("cancelling active job")
		cancel()
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.instrumentation.OnHeartbeat != nil {
				w.instrumentation.OnHeartbeat(w.workerID, w.GetStats())
			}
		}
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	activeWorkers := len(w.activeJobs)
	w.mu.RUnlock()

	return Stats{
		JobsProcessed:   w.jobsProcessed,
		JobsSucceeded:   w.jobsSucceeded,
		JobsFailed:      w.jobsFailed,
		JobsRetried:     w.jobsRetried,
		ActiveWorkers:   activeWorkers,
		LastProcessedAt: w.lastProcessedAt,
	}
}

// Enqueue creates a new job in the queue
func (w *Worker) Enqueue(ctx context.Context, job *models.Job) error {
	if err := job.IsValid(); err != nil {
		return err
	}
	if err := w.queue.Enqueue(ctx, job); err != nil {
		return err
	}

	if w.instrumentation.OnEnqueue != nil {
		w.instrumentation.OnEnqueue(job)
	}

	w.logger.Info().
		Int64("job_id", job.ID).
		Str("job_type", job.JobType).
		Str("priority", string(job.Priority)).
		Msg("enqueued job")
	return nil
}

// GetQueueStats returns statistics about the job queue
func (w *Worker) GetQueueStats(ctx context.Context) (*models.JobStats, error) {
	return w.queue.GetStats(ctx)
}
