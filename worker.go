package taskmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	defaultQueueName = "default"

	// defaultTaskTimeout caps handler execution when neither the task nor
	// the worker sets a timeout. It cannot be disabled.
	defaultTaskTimeout = 30 * time.Minute

	// defaultGracePeriod is how long a draining worker waits for in-flight
	// tasks before forcing shutdown.
	defaultGracePeriod = 30 * time.Second

	// defaultCancelWait is how long the engine waits for a handler to honor
	// cancellation after its deadline before abandoning the goroutine.
	defaultCancelWait = 5 * time.Second

	// forcedSettleWindow bounds how long a forced shutdown waits for task
	// goroutines to settle their deliveries before closing the broker.
	forcedSettleWindow = 10 * time.Second

	// settleTimeout and publishTimeout bound broker calls made while
	// resolving an outcome.
	settleTimeout  = 10 * time.Second
	publishTimeout = 30 * time.Second
)

// WorkerState describes where a worker is in its lifecycle.
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerRunning
	WorkerDraining
	WorkerTerminated
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerRunning:
		return "running"
	case WorkerDraining:
		return "draining"
	case WorkerTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// WorkerOption configures a Worker.
type WorkerOption func(*workerConfig)

type workerConfig struct {
	concurrency    int
	queues         []string
	router         *Router
	defaultTimeout time.Duration
	gracePeriod    time.Duration
	cancelWait     time.Duration
	taskDefaults   []TaskOption
	logger         *slog.Logger
	logLevel       string
	metrics        *Metrics
}

// WithConcurrency sets the maximum number of tasks executing at once.
// Defaults to the number of CPUs.
func WithConcurrency(n int) WorkerOption {
	return func(cfg *workerConfig) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

// WithQueues sets the queues the worker consumes. When unset, the worker
// consumes its router's default queue.
func WithQueues(queues ...string) WorkerOption {
	return func(cfg *workerConfig) { cfg.queues = queues }
}

// WithRouter sets the routing table used for retry re-publishes and, when
// WithQueues is not given, the default consume queue.
func WithRouter(r *Router) WorkerOption {
	return func(cfg *workerConfig) { cfg.router = r }
}

// WithDefaultTimeout sets the fallback per-task execution timeout for tasks
// registered without their own. Must be > 0; it cannot be disabled.
func WithDefaultTimeout(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.defaultTimeout = d
		}
	}
}

// WithGracePeriod sets how long a draining worker waits for in-flight tasks
// to finish before cancelling them and requeueing their envelopes.
func WithGracePeriod(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.gracePeriod = d
		}
	}
}

// WithCancelWait sets how long the engine waits, after cancelling a handler
// that exceeded its deadline, for the handler to return before abandoning it.
func WithCancelWait(d time.Duration) WorkerOption {
	return func(cfg *workerConfig) {
		if d > 0 {
			cfg.cancelWait = d
		}
	}
}

// WithTaskDefaults sets task options applied to every Register call before
// the task's own options, which override them.
func WithTaskDefaults(opts ...TaskOption) WorkerOption {
	return func(cfg *workerConfig) { cfg.taskDefaults = opts }
}

// WithLogger sets a custom slog.Logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return func(cfg *workerConfig) { cfg.logger = l }
}

// WithLogLevel sets the log level for the auto-created logger. Only takes
// effect if no WithLogger() is provided. Valid values: "debug", "info",
// "warn", "error".
func WithLogLevel(level string) WorkerOption {
	return func(cfg *workerConfig) { cfg.logLevel = level }
}

// WithMetrics sets the Prometheus collector set the worker reports into.
func WithMetrics(m *Metrics) WorkerOption {
	return func(cfg *workerConfig) { cfg.metrics = m }
}

// inflightTask is one tracked delivery: decoded, not yet settled. The
// cancel func carries forced-shutdown cancellation into the task's context.
type inflightTask struct {
	env    *Envelope
	tag    uint64
	cancel context.CancelCauseFunc
}

// Worker consumes task envelopes from a broker and executes them against
// registered handlers under a concurrency bound. A worker is single-use:
// create, Register tasks, Run; after Run returns, create a new Worker.
type Worker struct {
	cfg     *workerConfig
	broker  Broker
	router  *Router
	reg     *registry
	logger  *slog.Logger
	metrics *Metrics

	state atomic.Int32

	// slots is the execution semaphore: a consume loop acquires a slot
	// before pulling a delivery, so broker reads are backpressured by
	// handler capacity.
	slots chan struct{}

	mu       sync.Mutex
	inflight map[uint64]*inflightTask

	taskWg sync.WaitGroup

	draining chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a Worker consuming from the given broker. The worker
// takes ownership of the broker: Run closes it on exit.
func NewWorker(broker Broker, opts ...WorkerOption) (*Worker, error) {
	if broker == nil {
		return nil, fmt.Errorf("taskmq: nil broker")
	}

	cfg := &workerConfig{
		concurrency:    runtime.NumCPU(),
		defaultTimeout: defaultTaskTimeout,
		gracePeriod:    defaultGracePeriod,
		cancelWait:     defaultCancelWait,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.logger == nil {
		cfg.logger = newLoggerFromLevel(cfg.logLevel)
	}
	if cfg.router == nil {
		r, err := NewRouter(defaultQueueName)
		if err != nil {
			return nil, err
		}
		cfg.router = r
	}
	for _, q := range cfg.queues {
		if !validName(q, maxQueueNameLen) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, q)
		}
	}

	base := defaultTaskPolicy()
	for _, opt := range cfg.taskDefaults {
		opt(&base)
	}

	return &Worker{
		cfg:      cfg,
		broker:   broker,
		router:   cfg.router,
		reg:      newRegistry(base),
		logger:   cfg.logger,
		metrics:  cfg.metrics,
		slots:    make(chan struct{}, cfg.concurrency),
		inflight: make(map[uint64]*inflightTask),
		draining: make(chan struct{}),
		stopCh:   make(chan struct{}),
	}, nil
}

// Register binds a task name to a handler and execution policy. All
// registration must happen before Run.
func (w *Worker) Register(name string, h Handler, opts ...TaskOption) error {
	return w.reg.register(name, h, opts...)
}

// MustRegister is Register but panics on error, for registration blocks in
// worker mains where a failure is a programming mistake.
func (w *Worker) MustRegister(name string, h Handler, opts ...TaskOption) {
	if err := w.Register(name, h, opts...); err != nil {
		panic(err)
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Stop forces an immediate shutdown: in-flight tasks are cancelled and
// their envelopes requeued without waiting for the grace period. For a
// graceful drain, cancel the context passed to Run instead.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// consumeQueues resolves the effective queue list for this worker.
func (w *Worker) consumeQueues() ([]string, error) {
	queues := w.cfg.queues
	if len(queues) == 0 {
		if q := w.router.DefaultQueue(); q != "" {
			queues = []string{q}
		}
	}
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: no queues configured and router has no default", ErrUnknownQueue)
	}

	seen := make(map[string]bool, len(queues))
	out := make([]string, 0, len(queues))
	for _, q := range queues {
		if !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	return out, nil
}

// Run starts consuming and blocks until shutdown: a SIGTERM/SIGINT, ctx
// cancellation, or Stop(). Signals and ctx cancellation drain gracefully,
// waiting up to the grace period for in-flight tasks; a second signal or
// Stop() forces cancellation, requeueing whatever was still running.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(WorkerCreated), int32(WorkerRunning)) {
		return fmt.Errorf("%w: state %s", ErrWorkerRunning, w.State())
	}
	w.reg.freeze()

	queues, err := w.consumeQueues()
	if err != nil {
		w.state.Store(int32(WorkerTerminated))
		return err
	}

	w.logger.Info("worker starting",
		"concurrency", w.cfg.concurrency,
		"queues", queues,
		"tasks", w.reg.names(),
	)

	consumeCtx, stopConsume := context.WithCancel(context.Background())
	defer stopConsume()

	var consumeWg sync.WaitGroup
	for _, q := range queues {
		deliveries, err := w.broker.Consume(consumeCtx, q)
		if err != nil {
			stopConsume()
			consumeWg.Wait()
			w.forceCancel()
			w.taskWg.Wait()
			w.state.Store(int32(WorkerTerminated))
			w.broker.Close()
			return fmt.Errorf("starting consumer for queue %q: %w", q, err)
		}
		consumeWg.Add(1)
		go func(queue string, d <-chan Delivery) {
			defer consumeWg.Done()
			w.consumeLoop(queue, d)
		}(q, deliveries)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	forced := false
	select {
	case sig := <-sigCh:
		w.logger.Info("received signal, draining", "signal", sig)
	case <-ctx.Done():
		w.logger.Info("context cancelled, draining")
	case <-w.stopCh:
		w.logger.Info("Stop() called, forcing shutdown")
		forced = true
	}

	w.state.Store(int32(WorkerDraining))
	close(w.draining)
	stopConsume()
	consumeWg.Wait()

	done := make(chan struct{})
	go func() {
		w.taskWg.Wait()
		close(done)
	}()

	if !forced {
		select {
		case <-done:
			w.logger.Info("all in-flight tasks completed")
		case sig := <-sigCh:
			w.logger.Warn("second signal, forcing shutdown", "signal", sig)
			forced = true
		case <-w.stopCh:
			w.logger.Warn("Stop() called while draining, forcing shutdown")
			forced = true
		case <-time.After(w.cfg.gracePeriod):
			w.logger.Warn("grace period elapsed, forcing shutdown",
				"grace_period", w.cfg.gracePeriod,
				"in_flight", w.inflightCount(),
			)
			forced = true
		}
	}

	if forced {
		w.forceCancel()
		settle := time.NewTimer(forcedSettleWindow)
		select {
		case <-done:
			settle.Stop()
		case <-settle.C:
			w.logger.Error("tasks still settling after forced shutdown window")
		}
	}

	w.state.Store(int32(WorkerTerminated))

	closeErr := w.broker.Close()
	w.logger.Info("worker stopped")
	return closeErr
}

// consumeLoop pairs execution slots with deliveries for one queue. It stops
// pulling at the first sign of draining; deliveries already buffered in the
// stream are handed back to the broker for redelivery.
func (w *Worker) consumeLoop(queue string, deliveries <-chan Delivery) {
	for {
		select {
		case <-w.draining:
			w.requeueRemaining(queue, deliveries)
			return
		case w.slots <- struct{}{}:
		}

		select {
		case <-w.draining:
			w.releaseSlot()
			w.requeueRemaining(queue, deliveries)
			return
		case d, ok := <-deliveries:
			if !ok {
				w.releaseSlot()
				w.logger.Error("delivery stream ended", "queue", queue)
				return
			}
			w.taskWg.Add(1)
			go w.handleDelivery(queue, d)
		}
	}
}

// requeueRemaining nacks deliveries that were pulled off the broker but
// never dispatched. The stream closes shortly after draining begins.
func (w *Worker) requeueRemaining(queue string, deliveries <-chan Delivery) {
	for d := range deliveries {
		ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
		if err := w.broker.Nack(ctx, d.Tag, true); err != nil {
			w.logger.Warn("failed to requeue undispatched delivery", "queue", queue, "error", err)
		}
		cancel()
	}
}

func (w *Worker) releaseSlot() {
	<-w.slots
}

func (w *Worker) acquireSlot(ctx context.Context) bool {
	select {
	case w.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) track(tag uint64, env *Envelope, cancel context.CancelCauseFunc) {
	w.mu.Lock()
	w.inflight[tag] = &inflightTask{env: env, tag: tag, cancel: cancel}
	w.mu.Unlock()
}

func (w *Worker) untrack(tag uint64) {
	w.mu.Lock()
	delete(w.inflight, tag)
	w.mu.Unlock()
}

func (w *Worker) inflightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight)
}

// forceCancel cancels every tracked task with ErrForcedShutdown as the
// cause. Each task goroutine observes the cause and requeues its envelope.
func (w *Worker) forceCancel() {
	w.mu.Lock()
	tasks := make([]*inflightTask, 0, len(w.inflight))
	for _, t := range w.inflight {
		tasks = append(tasks, t)
	}
	w.mu.Unlock()

	for _, t := range tasks {
		t.cancel(ErrForcedShutdown)
	}
}

// handleDelivery owns one delivery end to end. Whatever path it takes, the
// delivery is settled exactly once: ack on success and on retry (the retry
// is a new message), nack with requeue on shutdown cancellation, nack
// without requeue on malformed, unregistered, expired, and terminal
// failures.
func (w *Worker) handleDelivery(queue string, d Delivery) {
	defer w.taskWg.Done()

	slotHeld := true
	defer func() {
		if slotHeld {
			w.releaseSlot()
		}
	}()

	env, err := DecodeEnvelope(d.Body)
	if err != nil {
		w.logger.Error("rejecting malformed delivery", "queue", queue, "error", err)
		w.metrics.rejected("malformed")
		w.settle(d.Tag, false, false)
		return
	}

	taskCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	w.track(d.Tag, env, cancel)
	defer w.untrack(d.Tag)
	w.metrics.inFlight(1)
	defer w.metrics.inFlight(-1)

	log := w.logger.With("task", env.Task, "task_id", env.ID, "queue", queue, "retries", env.Retries)

	def, err := w.reg.lookup(env.Task)
	if err != nil {
		log.Error("rejecting unregistered task", "error", err)
		w.metrics.rejected("unregistered")
		w.settle(d.Tag, false, false)
		return
	}

	now := time.Now()
	if env.expired(now) {
		log.Warn("task expired before execution", "expires_at", env.ExpiresAt)
		w.metrics.expired(env.Task)
		w.settle(d.Tag, false, false)
		return
	}

	// A future eta parks the envelope without holding an execution slot;
	// the slot is re-acquired when the eta arrives.
	if ready, wait := env.due(now); !ready {
		log.Debug("parking until eta", "eta", env.ETA, "wait", wait)
		w.releaseSlot()
		slotHeld = false

		if !w.sleepUntilDue(taskCtx, wait) {
			log.Warn("parked task requeued by shutdown")
			w.settle(d.Tag, false, true)
			return
		}
		if !w.acquireSlot(taskCtx) {
			log.Warn("task requeued by shutdown while waiting for a slot")
			w.settle(d.Tag, false, true)
			return
		}
		slotHeld = true

		if env.expired(time.Now()) {
			log.Warn("task expired while parked", "expires_at", env.ExpiresAt)
			w.metrics.expired(env.Task)
			w.settle(d.Tag, false, false)
			return
		}
	}

	if def.policy.limiter != nil {
		if err := def.policy.limiter.Wait(taskCtx); err != nil {
			log.Warn("task requeued by shutdown while rate limited")
			w.settle(d.Tag, false, true)
			return
		}
	}

	start := time.Now()
	err = w.invoke(taskCtx, def, env)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		log.Info("task succeeded", "duration", elapsed)
		w.metrics.succeeded(env.Task, elapsed)
		w.settle(d.Tag, true, false)
	case errors.Is(err, ErrForcedShutdown):
		log.Warn("task cancelled by forced shutdown, requeueing", "duration", elapsed)
		w.settle(d.Tag, false, true)
	default:
		w.resolveFailure(log, def, env, d.Tag, err, elapsed)
	}
}

// sleepUntilDue waits out an eta. Returns false if the task was cancelled
// while parked.
func (w *Worker) sleepUntilDue(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// invoke runs the handler under the task's deadline, translating panics,
// timeouts, and forced shutdown into errors for outcome resolution. A
// handler that outlives its cancelled deadline by more than the cancel wait
// is abandoned and its goroutine leaks until it returns on its own.
func (w *Worker) invoke(taskCtx context.Context, def *taskDef, env *Envelope) error {
	timeout := def.policy.timeout
	if timeout <= 0 {
		timeout = w.cfg.defaultTimeout
	}
	hctx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	resultCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("handler panic recovered",
					"task", env.Task,
					"task_id", env.ID,
					"panic", r,
					"stack", string(debug.Stack()),
				)
				resultCh <- Unexpected(fmt.Errorf("panic: %v", r))
			}
		}()
		resultCh <- def.handler(hctx, env)
	}()

	select {
	case err := <-resultCh:
		if err != nil && errors.Is(context.Cause(taskCtx), ErrForcedShutdown) {
			return ErrForcedShutdown
		}
		return err

	case <-hctx.Done():
		if errors.Is(context.Cause(taskCtx), ErrForcedShutdown) {
			return ErrForcedShutdown
		}

		// Deadline exceeded. The handler's ctx is cancelled; give it the
		// cancel wait to return before abandoning the goroutine.
		w.logger.Warn("task deadline exceeded, awaiting handler",
			"task", env.Task,
			"task_id", env.ID,
			"timeout", timeout,
		)
		select {
		case err := <-resultCh:
			if err == nil {
				// Completed during the cancel wait.
				return nil
			}
			return fmt.Errorf("%w: after %s: %v", ErrTaskTimeout, timeout, err)
		case <-time.After(w.cfg.cancelWait):
			w.logger.Warn("handler abandoned after cancel wait", "task", env.Task, "task_id", env.ID)
			return fmt.Errorf("%w: after %s: handler abandoned", ErrTaskTimeout, timeout)
		case <-taskCtx.Done():
			return ErrForcedShutdown
		}
	}
}

// resolveFailure applies the retry policy to a failed execution. Within
// budget, the successor envelope is published with an incremented retry
// count and a backoff eta; the original is acked first so only one copy of
// the task is in flight at a time. Out of budget, the delivery is nacked
// without requeue as a terminal failure.
func (w *Worker) resolveFailure(log *slog.Logger, def *taskDef, env *Envelope, tag uint64, taskErr error, elapsed time.Duration) {
	delay, explicit := retryRequest(taskErr)
	anticipated := explicit || IsExpected(taskErr) || errors.Is(taskErr, ErrTaskTimeout)

	if anticipated {
		log.Warn("task failed", "error", taskErr, "duration", elapsed)
	} else {
		log.Error("task failed unexpectedly", "error", taskErr, "duration", elapsed)
	}

	if env.Retries >= def.policy.maxRetries {
		log.Error("retry budget exhausted, rejecting",
			"max_retries", def.policy.maxRetries,
			"error", taskErr,
		)
		w.metrics.failed(env.Task, elapsed)
		w.settle(tag, false, false)
		return
	}

	if !explicit || delay <= 0 {
		delay = def.policy.backoff.Delay(env.Retries)
	}

	now := time.Now()
	next := env.retryEnvelope(delay, now)
	if next.ExpiresAt == nil && def.policy.expires > 0 {
		exp := now.Add(def.policy.expires).UTC()
		next.ExpiresAt = &exp
	}

	w.settle(tag, true, false)

	if err := w.publishRetry(next); err != nil {
		log.Error("failed to publish retry, task dropped",
			"error", err,
			"retry_id", next.ID,
			"args", string(next.Args),
		)
		w.metrics.failed(env.Task, elapsed)
		return
	}

	w.metrics.retried(env.Task, elapsed)
	log.Info("task scheduled for retry",
		"retry_id", next.ID,
		"retry_count", next.Retries,
		"delay", delay,
	)
}

// publishRetry routes and publishes a successor envelope. The original's
// queue is passed as an explicit override so the retry lands where the
// original ran even if the routing table changed underneath it.
func (w *Worker) publishRetry(env *Envelope) error {
	queue, err := w.router.Resolve(env.Task, env.Queue)
	if err != nil {
		return err
	}
	env.Queue = queue

	body, err := env.Encode()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return w.broker.Publish(ctx, queue, body)
}

// settle resolves a delivery with the broker exactly once. Settle failures
// are logged rather than propagated: the outcome is already decided, and an
// unsettled delivery is redelivered by the broker.
func (w *Worker) settle(tag uint64, ack, requeue bool) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	var err error
	if ack {
		err = w.broker.Ack(ctx, tag)
	} else {
		err = w.broker.Nack(ctx, tag, requeue)
	}
	if err != nil {
		w.logger.Error("failed to settle delivery", "tag", tag, "ack", ack, "requeue", requeue, "error", err)
	}
}
