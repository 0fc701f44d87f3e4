// Package runner drives the queues. Each Runner owns one queue: it
// polls for ready entries in its shard, claims them one at a time, and
// hands them to a queue-specific Processor. Failures are classified:
// transient errors are retried with capped exponential backoff until
// the retry budget runs out and the entry is shunted; permanent errors
// produce a failure notice and commit the entry.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/herald/config"
	"github.com/migadu/herald/consts"
	"github.com/migadu/herald/delivery"
	"github.com/migadu/herald/lists"
	"github.com/migadu/herald/logger"
	"github.com/migadu/herald/mail"
	"github.com/migadu/herald/pkg/metrics"
	"github.com/migadu/herald/pkg/retry"
	"github.com/migadu/herald/queue"
)

// ResultKind tells the runner where a successfully processed entry goes.
type ResultKind int

const (
	// Done commits the entry; it leaves the system.
	Done ResultKind = iota
	// Forward re-homes the entry into Result.Target with its identity
	// and metadata intact.
	Forward
)

type Result struct {
	Kind   ResultKind
	Target string
}

// Processor implements one queue's semantics.
type Processor interface {
	Process(ctx context.Context, id queue.EntryID, msg *mail.Message, meta mail.Metadata) (Result, error)
}

// permanentError marks a processor failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return fmt.Sprintf("permanent failure: %v", e.err) }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the runner treats it as unretryable.
func Permanent(err error) error {
	return &permanentError{err: err}
}

// shuntError marks an entry that must go straight to the shunt queue
// without burning retries, such as a message for an unknown list.
type shuntError struct {
	err error
}

func (e *shuntError) Error() string { return fmt.Sprintf("shunting entry: %v", e.err) }
func (e *shuntError) Unwrap() error { return e.err }

// Shunt wraps err so the runner moves the entry directly to shunt.
func Shunt(err error) error {
	return &shuntError{err: err}
}

func isPermanent(err error) bool {
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return delivery.IsPermanentError(err)
}

func isShunt(err error) bool {
	var se *shuntError
	return errors.As(err, &se)
}

// Runner is the per-queue worker loop.
type Runner struct {
	queueName string
	store     *queue.Store
	processor Processor
	registry  func() *lists.Registry
	hostname  string

	interval       time.Duration
	processTimeout time.Duration
	maxRetries     int
	shardIndex     int
	shardCount     int
	backoff        func(attempt int) time.Duration

	// failure notices would loop on the bounce queue's own runner
	emitFailureNotices bool

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

type Options struct {
	Queue              string
	Store              *queue.Store
	Processor          Processor
	Registry           func() *lists.Registry
	Hostname           string
	Config             config.RunnerConfig
	EmitFailureNotices bool
}

func New(opts Options) (*Runner, error) {
	cfg := opts.Config
	interval, err := cfg.GetPollInterval()
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", opts.Queue, err)
	}
	processTimeout, err := cfg.GetProcessTimeout()
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", opts.Queue, err)
	}
	retryInitial, err := cfg.GetRetryInitial()
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", opts.Queue, err)
	}
	retryMax, err := cfg.GetRetryMax()
	if err != nil {
		return nil, fmt.Errorf("runner %s: %w", opts.Queue, err)
	}

	return &Runner{
		queueName:      opts.Queue,
		store:          opts.Store,
		processor:      opts.Processor,
		registry:       opts.Registry,
		hostname:       opts.Hostname,
		interval:       interval,
		processTimeout: processTimeout,
		maxRetries:     cfg.GetMaxRetries(),
		shardIndex:     cfg.ShardIndex,
		shardCount:     cfg.GetShardCount(),
		backoff: retry.ExponentialBackoff(retry.BackoffConfig{
			InitialInterval: retryInitial,
			MaxInterval:     retryMax,
			Multiplier:      cfg.GetRetryMultiplier(),
			Jitter:          cfg.GetRetryJitter(),
		}),
		emitFailureNotices: opts.EmitFailureNotices,
		notifyCh:           make(chan struct{}, 1),
		stopCh:             make(chan struct{}),
	}, nil
}

// Start begins background processing. Safe to call more than once.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	logger.Info("runner started", "queue", r.queueName,
		"interval", r.interval, "shard", fmt.Sprintf("%d/%d", r.shardIndex, r.shardCount))
	return nil
}

// Stop finishes the in-flight entry and waits for the loop to exit.
// Safe to call more than once.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	logger.Info("runner stopped", "queue", r.queueName)
}

// Notify wakes the loop without waiting for the next tick. Non-blocking.
func (r *Runner) Notify() {
	select {
	case r.notifyCh <- struct{}{}:
	default:
	}
}

func (r *Runner) run(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.wg.Done()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.Info("runner stopped due to context cancellation", "queue", r.queueName)
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.drain(ctx)
		case <-r.notifyCh:
			r.drain(ctx)
		}
	}
}

// drain claims and processes every ready entry in this runner's shard.
// Entries are taken in ID order, which is enqueue order.
func (r *Runner) drain(ctx context.Context) {
	metrics.RunnerCycles.WithLabelValues(r.queueName).Inc()

	ids, err := r.store.ListReady(r.queueName, r.shardIndex, r.shardCount)
	if err != nil {
		logger.Error("failed to list ready entries", "queue", r.queueName, "error", err)
		return
	}

	for _, id := range ids {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		default:
		}
		r.processOne(ctx, id)
	}

	if ready, staged, err := r.store.Stats(r.queueName); err == nil {
		metrics.QueueDepth.WithLabelValues(r.queueName, "ready").Set(float64(ready))
		metrics.QueueDepth.WithLabelValues(r.queueName, "staged").Set(float64(staged))
	}
}

func (r *Runner) processOne(ctx context.Context, id queue.EntryID) {
	msg, meta, err := r.store.Dequeue(r.queueName, id)
	if err != nil {
		if errors.Is(err, consts.ErrNotFound) {
			// Claimed by someone else between listing and renaming.
			return
		}
		if errors.Is(err, consts.ErrCorrupt) {
			// Already quarantined by the store.
			logger.Error("corrupt entry quarantined", "queue", r.queueName, "id", id)
			return
		}
		logger.Error("failed to claim entry", "queue", r.queueName, "id", id, "error", err)
		return
	}

	start := time.Now()
	procCtx, cancel := context.WithTimeout(ctx, r.processTimeout)
	result, err := r.processor.Process(procCtx, id, msg, meta)
	cancel()
	metrics.RunnerProcessDuration.WithLabelValues(r.queueName).Observe(time.Since(start).Seconds())

	if err != nil {
		r.handleFailure(ctx, id, msg, meta, err)
		return
	}

	switch result.Kind {
	case Forward:
		if err := r.store.Requeue(r.queueName, id, msg, meta, result.Target); err != nil {
			logger.Error("failed to forward entry", "queue", r.queueName, "id", id,
				"target", result.Target, "error", err)
			return
		}
		metrics.RunnerProcessed.WithLabelValues(r.queueName, "forwarded").Inc()
	default:
		if err := r.store.Finish(r.queueName, id); err != nil {
			logger.Error("failed to commit entry", "queue", r.queueName, "id", id, "error", err)
			return
		}
		metrics.RunnerProcessed.WithLabelValues(r.queueName, "done").Inc()
	}
}

func (r *Runner) handleFailure(ctx context.Context, id queue.EntryID, msg *mail.Message, meta mail.Metadata, procErr error) {
	switch {
	case isShunt(procErr):
		r.shunt(id, msg, meta, procErr.Error())

	case isPermanent(procErr):
		logger.Error("permanent processing failure", "queue", r.queueName, "id", id, "error", procErr)
		if r.emitFailureNotices {
			r.enqueueFailureNotice(ctx, msg, meta, procErr)
		}
		if err := r.store.Finish(r.queueName, id); err != nil {
			logger.Error("failed to commit failed entry", "queue", r.queueName, "id", id, "error", err)
			return
		}
		metrics.RunnerProcessed.WithLabelValues(r.queueName, "permanent_failure").Inc()

	default:
		retries := meta.IncrementRetries()
		if retries > r.maxRetries {
			r.shunt(id, msg, meta, fmt.Sprintf("retries exhausted after %d attempts: %v", retries-1, procErr))
			return
		}

		delay := r.backoff(retries)
		meta.SetTime(mail.KeyNotBefore, time.Now().Add(delay))
		logger.Warn("transient processing failure, will retry", "queue", r.queueName,
			"id", id, "attempt", retries, "delay", delay, "error", procErr)
		if err := r.store.Requeue(r.queueName, id, msg, meta, r.queueName); err != nil {
			logger.Error("failed to requeue entry for retry", "queue", r.queueName, "id", id, "error", err)
			return
		}
		metrics.RunnerRetries.WithLabelValues(r.queueName).Inc()
	}
}

func (r *Runner) shunt(id queue.EntryID, msg *mail.Message, meta mail.Metadata, reason string) {
	meta[mail.KeyShuntReason] = reason
	if err := r.store.Requeue(r.queueName, id, msg, meta, consts.QueueShunt); err != nil {
		logger.Error("failed to shunt entry", "queue", r.queueName, "id", id, "error", err)
		return
	}
	logger.Error("entry shunted", "queue", r.queueName, "id", id, "reason", reason)
	metrics.RunnerProcessed.WithLabelValues(r.queueName, "shunted").Inc()
}

func (r *Runner) enqueueFailureNotice(ctx context.Context, msg *mail.Message, meta mail.Metadata, procErr error) {
	recipient := meta.GetString(mail.KeySender)
	if recipient == "" {
		recipient = msg.From()
	}
	if recipient == "" {
		logger.Warn("no sender to notify of permanent failure", "queue", r.queueName)
		return
	}

	listName := meta.List()
	listAddress := listName
	if r.registry != nil {
		if list, err := r.registry().Get(listName); err == nil {
			listAddress = list.Address
		}
	}

	notice, err := mail.BuildFailureNotice(listName, listAddress, r.hostname, recipient, procErr.Error(), msg)
	if err != nil {
		logger.Warn("failed to build failure notice", "queue", r.queueName, "error", err)
		return
	}
	noticeMeta := mail.NewMetadata(listName, "")
	noticeMeta[mail.KeyRecipients] = []string{recipient}
	if _, err := r.store.Enqueue(consts.QueueBounce, notice, noticeMeta); err != nil {
		logger.Warn("failed to enqueue failure notice", "queue", r.queueName, "error", err)
	}
}
