package taskmq

import (
	"context"
	"fmt"
	"log/slog"
)

// ClientOption configures a Client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	router       *Router
	defaultQueue string
	logger       *slog.Logger
	logLevel     string
}

// WithClientRouter sets the routing table used to resolve queues for
// submitted tasks. Takes precedence over WithClientDefaultQueue.
func WithClientRouter(r *Router) ClientOption {
	return func(cfg *clientConfig) { cfg.router = r }
}

// WithClientDefaultQueue sets the queue submissions land on when no routing
// rule matches and no Queue option is given. Defaults to "default".
func WithClientDefaultQueue(queue string) ClientOption {
	return func(cfg *clientConfig) { cfg.defaultQueue = queue }
}

// WithClientLogger sets a custom slog.Logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(cfg *clientConfig) { cfg.logger = l }
}

// WithClientLogLevel sets the log level for the auto-created logger. Only
// takes effect if no WithClientLogger() is provided.
func WithClientLogLevel(level string) ClientOption {
	return func(cfg *clientConfig) { cfg.logLevel = level }
}

// Client submits tasks to a broker. It is safe for concurrent use.
type Client struct {
	broker Broker
	router *Router
	logger *slog.Logger
}

// NewClient creates a Client publishing to the given broker.
func NewClient(broker Broker, opts ...ClientOption) (*Client, error) {
	if broker == nil {
		return nil, fmt.Errorf("taskmq: nil broker")
	}

	cfg := &clientConfig{defaultQueue: defaultQueueName}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = newLoggerFromLevel(cfg.logLevel)
	}
	if cfg.router == nil {
		r, err := NewRouter(cfg.defaultQueue)
		if err != nil {
			return nil, err
		}
		cfg.router = r
	}

	return &Client{
		broker: broker,
		router: cfg.router,
		logger: cfg.logger,
	}, nil
}

// SendTask submits one execution of the named task. args must marshal to
// JSON; pass nil for tasks that take no arguments. The destination queue
// comes from the Queue option when given, otherwise from the client's
// routing table. Returns the envelope id assigned to this submission.
func (c *Client) SendTask(ctx context.Context, task string, args any, opts ...SendOption) (string, error) {
	if !validName(task, maxTaskNameLen) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTaskName, task)
	}

	env, err := NewEnvelope(task, args)
	if err != nil {
		return "", err
	}
	for _, opt := range opts {
		opt(env)
	}

	if env.Queue != "" && !validName(env.Queue, maxQueueNameLen) {
		return "", fmt.Errorf("%w: %q", ErrInvalidQueueName, env.Queue)
	}

	queue, err := c.router.Resolve(task, env.Queue)
	if err != nil {
		return "", err
	}
	env.Queue = queue

	body, err := env.Encode()
	if err != nil {
		return "", err
	}

	if err := c.broker.Publish(ctx, queue, body); err != nil {
		return "", fmt.Errorf("submitting task %q: %w", task, err)
	}

	c.logger.Debug("task submitted",
		"task", task,
		"task_id", env.ID,
		"queue", queue,
		"eta", env.ETA,
	)
	return env.ID, nil
}

// Close closes the underlying broker. Safe to call more than once.
func (c *Client) Close() error {
	return c.broker.Close()
}
