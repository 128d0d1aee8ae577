package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jobvault/jobvault/pkg/observability/logger"
	"github.com/jobvault/jobvault/pkg/observability/tracing"
	"github.com/jobvault/jobvault/pkg/resilience"
)

const (
	DefaultWorkerPollInterval   = 100 * time.Millisecond
	DefaultWorkerAttemptTimeout = 30 * time.Second
	DefaultWorkerStopTimeout    = 10 * time.Second

	defaultReserveBreakerFailures = 5
	defaultReserveBreakerCooldown = 5 * time.Second
	minHeartbeatInterval          = 100 * time.Millisecond
)

// Handler processes one job attempt. A nil return completes the job; an
// error fails it. A handler may set job.Result before returning to record a
// completion payload.
type Handler func(ctx context.Context, job *Job) error

// WorkerConfig configures the embedded worker runtime.
type WorkerConfig struct {
	// ID identifies this worker as the lease owner; generated when empty.
	ID string `mapstructure:"id"`
	// Concurrency is the number of parallel reserve/process loops.
	Concurrency int `mapstructure:"concurrency"`
	// PollInterval is the idle sleep between empty reserves.
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// AttemptTimeout bounds a single handler invocation.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	// HeartbeatInterval defaults to half the provider's visibility timeout.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// StopTimeout bounds graceful shutdown.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

func (c *WorkerConfig) normalize(visibility time.Duration) {
	if strings.TrimSpace(c.ID) == "" {
		c.ID = "worker-" + randomSuffix()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultWorkerPollInterval
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultWorkerAttemptTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = visibility / 2
	}
	if c.HeartbeatInterval < minHeartbeatInterval {
		c.HeartbeatInterval = minHeartbeatInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultWorkerStopTimeout
	}
}

// Worker pulls jobs from a provider and dispatches them to registered
// handlers, heartbeating while a handler runs so the lease stays alive.
type Worker struct {
	provider *Provider
	log      logger.Logger
	config   WorkerConfig
	breaker  *resilience.CircuitBreaker

	mu       sync.RWMutex
	handlers map[string]Handler

	lifecycleMu sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewWorker creates a worker over the provider.
func NewWorker(provider *Provider, log logger.Logger, cfg WorkerConfig) (*Worker, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize(provider.config.VisibilityTimeout)

	return &Worker{
		provider: provider,
		log:      log.With("worker_id", cfg.ID),
		config:   cfg,
		breaker:  resilience.NewCircuitBreaker(defaultReserveBreakerFailures, defaultReserveBreakerCooldown),
		handlers: map[string]Handler{},
	}, nil
}

// Register binds a handler to a job type.
func (w *Worker) Register(jobType string, handler Handler) error {
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return errors.New("job type is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
	return nil
}

// Start launches the processing loops and blocks until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}

	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.New("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.lifecycleMu.Unlock()

	w.log.Info("worker starting", "concurrency", w.config.Concurrency)
	for idx := 0; idx < w.config.Concurrency; idx++ {
		w.wg.Add(1)
		go w.runLoop(runCtx)
	}

	<-runCtx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.config.StopTimeout)
	defer stopCancel()
	return w.Stop(stopCtx)
}

// Stop requests shutdown and waits for in-flight attempts to finish.
func (w *Worker) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	w.lifecycleMu.Lock()
	if !w.running {
		w.lifecycleMu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.cancel = nil
	w.running = false
	w.lifecycleMu.Unlock()

	if cancel != nil {
		cancel()
	}

	waitCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-waitCh:
		w.log.Info("worker stopped")
		return nil
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		var job *Job
		err := w.breaker.Execute(func() error {
			var reserveErr error
			job, reserveErr = w.provider.Reserve(ctx, w.config.ID)
			return reserveErr
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, resilience.ErrCircuitOpen) {
				w.log.Warn("reserve failed", "error", err)
			}
			if !sleepCtx(ctx, w.config.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, w.config.PollInterval) {
				return
			}
			continue
		}

		if err := w.process(ctx, job); err != nil {
			w.log.Warn("job processing failed", "job_id", job.ID, "type", job.Type, "error", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) error {
	traceCtx, span := tracing.StartProcessSpan(ctx, job.Type, job.ID, job.Attempts)
	defer span.End()

	handler, found := w.lookupHandler(job.Type)
	if !found {
		err := fmt.Errorf("no handler registered for job type %q", job.Type)
		tracing.RecordError(span, err)
		recordWorkerHandled(job.Type, "unhandled")
		return errors.Join(err, w.provider.Fail(traceCtx, job.ID, w.config.ID, JobError{
			Code:    "HANDLER_NOT_FOUND",
			Message: err.Error(),
		}))
	}

	stopHeartbeat, heartbeatDone := w.startHeartbeat(traceCtx, job.ID)
	execErr := w.executeHandler(traceCtx, job, handler)
	stopHeartbeat()
	if hbErr := <-heartbeatDone; hbErr != nil {
		// A failed heartbeat means the lease is gone; the job belongs to
		// someone else now and any terminal call from us would be rejected.
		tracing.RecordError(span, hbErr)
		recordWorkerHandled(job.Type, "lease_lost")
		return hbErr
	}

	if execErr != nil {
		tracing.RecordError(span, execErr)
		recordWorkerHandled(job.Type, "failed")
		return w.provider.Fail(traceCtx, job.ID, w.config.ID, JobError{
			Code:    "HANDLER_ERROR",
			Message: execErr.Error(),
		})
	}

	if err := w.provider.Complete(traceCtx, job.ID, w.config.ID, job.Result); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("complete failed: %w", err)
	}
	recordWorkerHandled(job.Type, "completed")
	tracing.RecordSuccess(span)
	return nil
}

func (w *Worker) executeHandler(ctx context.Context, job *Job, handler Handler) error {
	// The recover lives inside the closure because WithTimeout runs it on its
	// own goroutine; a deferred recover out here would never see the panic.
	return resilience.WithTimeout(ctx, w.config.AttemptTimeout, func(runCtx context.Context) (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic while handling job: %v; stack=%s", rec, string(debug.Stack()))
			}
		}()
		return handler(runCtx, job)
	})
}

// startHeartbeat extends the lease at the configured interval until stopped.
// The done channel yields the first heartbeat error, or nil.
func (w *Worker) startHeartbeat(ctx context.Context, jobID string) (func(), <-chan error) {
	done := make(chan error, 1)
	hbCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(w.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				done <- nil
				return
			case <-ticker.C:
				if err := w.provider.Heartbeat(hbCtx, jobID, w.config.ID, -1); err != nil {
					if hbCtx.Err() != nil {
						// The stop raced a pending tick; the cancellation
						// is ours, not a lost lease.
						done <- nil
						return
					}
					done <- fmt.Errorf("heartbeat failed: %w", err)
					return
				}
			}
		}
	}()

	return cancel, done
}

func (w *Worker) lookupHandler(jobType string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	handler, ok := w.handlers[strings.TrimSpace(jobType)]
	return handler, ok
}

func randomSuffix() string {
	return uuid.NewString()[:8]
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
