package taskmq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"
)

// Config represents the top-level YAML configuration file.
type Config struct {
	Broker       BrokerYAML       `yaml:"broker"`
	DefaultQueue string           `yaml:"default_queue"`
	Queues       []string         `yaml:"queues"`
	Routes       []RouteYAML      `yaml:"routes"`
	Worker       WorkerYAML       `yaml:"worker"`
	TaskDefaults TaskDefaultsYAML `yaml:"task_defaults"`
	Beat         []BeatEntryYAML  `yaml:"beat"`
}

// BrokerYAML holds broker connection settings from YAML.
type BrokerYAML struct {
	URL      string `yaml:"url"`
	Prefix   string `yaml:"prefix"` // redis key prefix; ignored by amqp
	Prefetch int    `yaml:"prefetch"`
}

// RouteYAML maps a task-name glob pattern to a destination queue.
type RouteYAML struct {
	Pattern string `yaml:"pattern"`
	Queue   string `yaml:"queue"`
}

// WorkerYAML holds worker settings from YAML.
type WorkerYAML struct {
	Concurrency    int    `yaml:"concurrency"`
	GracePeriod    int    `yaml:"grace_period"`    // seconds
	CancelWait     int    `yaml:"cancel_wait"`     // seconds
	DefaultTimeout int    `yaml:"default_timeout"` // seconds
	LogLevel       string `yaml:"log_level"`
}

// TaskDefaultsYAML holds the default execution policy applied to tasks
// registered without their own options.
type TaskDefaultsYAML struct {
	MaxRetries     *int   `yaml:"max_retries"`     // nil = library default
	Timeout        int    `yaml:"timeout"`         // seconds
	Expires        int    `yaml:"expires"`         // seconds
	Backoff        string `yaml:"backoff"`         // constant, linear, exponential, exponential_jitter
	BackoffInitial int    `yaml:"backoff_initial"` // seconds
	BackoffMax     int    `yaml:"backoff_max"`     // seconds
}

// BeatEntryYAML holds a periodic task entry from YAML. Exactly one of
// every/cron must be set.
type BeatEntryYAML struct {
	Name  string `yaml:"name"`
	Task  string `yaml:"task"`
	Args  string `yaml:"args"` // JSON string
	Queue string `yaml:"queue"`
	Every int    `yaml:"every"` // seconds
	Cron  string `yaml:"cron"`
}

// LoadConfig parses YAML bytes and validates the resulting configuration.
func LoadConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config yaml: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML file and returns a validated Config.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return LoadConfig(data)
}

// validate performs structural validation of the configuration.
func (c *Config) validate() error {
	// Broker
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url must not be empty")
	}
	scheme, _, found := strings.Cut(c.Broker.URL, "://")
	if !found {
		return fmt.Errorf("broker.url: missing scheme")
	}
	switch scheme {
	case "amqp", "amqps", "redis", "rediss":
		// ok
	default:
		return fmt.Errorf("broker.url: unsupported scheme %q (want amqp, amqps, redis, or rediss)", scheme)
	}
	if c.Broker.Prefetch < 0 {
		return fmt.Errorf("broker.prefetch must be >= 0")
	}
	if c.Broker.Prefix != "" && !safeNameRe.MatchString(c.Broker.Prefix) {
		return fmt.Errorf("broker.prefix %q: invalid characters", c.Broker.Prefix)
	}

	// Queues
	if c.DefaultQueue != "" && !validName(c.DefaultQueue, maxQueueNameLen) {
		return fmt.Errorf("default_queue %q: invalid characters or too long (max %d)", c.DefaultQueue, maxQueueNameLen)
	}
	queueNames := make(map[string]bool, len(c.Queues))
	for i, q := range c.Queues {
		if !validName(q, maxQueueNameLen) {
			return fmt.Errorf("queues[%d] %q: invalid characters or too long (max %d)", i, q, maxQueueNameLen)
		}
		if queueNames[q] {
			return fmt.Errorf("queues[%d] %q: duplicate queue name", i, q)
		}
		queueNames[q] = true
	}

	// Routes
	for i, rt := range c.Routes {
		if rt.Pattern == "" {
			return fmt.Errorf("routes[%d].pattern must not be empty", i)
		}
		if _, err := glob.Compile(rt.Pattern); err != nil {
			return fmt.Errorf("routes[%d].pattern %q: %v", i, rt.Pattern, err)
		}
		if !validName(rt.Queue, maxQueueNameLen) {
			return fmt.Errorf("routes[%d].queue %q: invalid characters or too long (max %d)", i, rt.Queue, maxQueueNameLen)
		}
	}

	// Worker
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("worker.concurrency must be >= 0")
	}
	if c.Worker.GracePeriod < 0 {
		return fmt.Errorf("worker.grace_period must be >= 0")
	}
	if c.Worker.CancelWait < 0 {
		return fmt.Errorf("worker.cancel_wait must be >= 0")
	}
	if c.Worker.DefaultTimeout < 0 {
		return fmt.Errorf("worker.default_timeout must be >= 0")
	}
	if c.Worker.LogLevel != "" {
		switch strings.ToLower(c.Worker.LogLevel) {
		case "debug", "info", "warn", "error":
			// ok
		default:
			return fmt.Errorf("worker.log_level: must be one of debug, info, warn, error; got %q", c.Worker.LogLevel)
		}
	}

	// Task defaults
	td := c.TaskDefaults
	if td.MaxRetries != nil && *td.MaxRetries < 0 {
		return fmt.Errorf("task_defaults.max_retries must be >= 0")
	}
	if td.Timeout < 0 {
		return fmt.Errorf("task_defaults.timeout must be >= 0")
	}
	if td.Expires < 0 {
		return fmt.Errorf("task_defaults.expires must be >= 0")
	}
	if td.Backoff != "" {
		switch td.Backoff {
		case "constant", "linear", "exponential", "exponential_jitter":
			// ok
		default:
			return fmt.Errorf("task_defaults.backoff: must be constant, linear, exponential, or exponential_jitter; got %q", td.Backoff)
		}
	}
	if td.BackoffInitial < 0 {
		return fmt.Errorf("task_defaults.backoff_initial must be >= 0")
	}
	if td.BackoffMax < 0 {
		return fmt.Errorf("task_defaults.backoff_max must be >= 0")
	}

	// Beat
	beatNames := make(map[string]bool, len(c.Beat))
	for i, be := range c.Beat {
		if be.Name == "" {
			return fmt.Errorf("beat[%d].name must not be empty", i)
		}
		if beatNames[be.Name] {
			return fmt.Errorf("beat[%d].name %q: duplicate beat entry name", i, be.Name)
		}
		beatNames[be.Name] = true

		if !validName(be.Task, maxTaskNameLen) {
			return fmt.Errorf("beat[%d] %q: task %q: invalid characters or too long (max %d)", i, be.Name, be.Task, maxTaskNameLen)
		}
		if be.Queue != "" && !validName(be.Queue, maxQueueNameLen) {
			return fmt.Errorf("beat[%d] %q: queue %q: invalid characters or too long (max %d)", i, be.Name, be.Queue, maxQueueNameLen)
		}
		if be.Args != "" && !json.Valid([]byte(be.Args)) {
			return fmt.Errorf("beat[%d] %q: args must be valid JSON", i, be.Name)
		}

		if be.Every < 0 {
			return fmt.Errorf("beat[%d] %q: every must be >= 0", i, be.Name)
		}
		hasEvery := be.Every > 0
		hasCron := be.Cron != ""
		if hasEvery == hasCron {
			return fmt.Errorf("beat[%d] %q: exactly one of every/cron must be set", i, be.Name)
		}
		if hasCron {
			if _, err := ParseCronExpr(be.Cron); err != nil {
				return fmt.Errorf("beat[%d] %q: invalid cron expression: %w", i, be.Name, err)
			}
		}
	}

	return nil
}

// buildRouter constructs the routing table described by the config.
func (c *Config) buildRouter() (*Router, error) {
	rules := make([]Rule, len(c.Routes))
	for i, rt := range c.Routes {
		rules[i] = Rule{Pattern: rt.Pattern, Queue: rt.Queue}
	}
	dq := c.DefaultQueue
	if dq == "" {
		dq = defaultQueueName
	}
	return NewRouter(dq, rules...)
}

// taskDefaultOptions converts the task_defaults section to TaskOptions.
func (c *Config) taskDefaultOptions() []TaskOption {
	var opts []TaskOption
	td := c.TaskDefaults
	if td.MaxRetries != nil {
		opts = append(opts, MaxRetries(*td.MaxRetries))
	}
	if td.Timeout > 0 {
		opts = append(opts, Timeout(time.Duration(td.Timeout)*time.Second))
	}
	if td.Expires > 0 {
		opts = append(opts, ExpiresAfter(time.Duration(td.Expires)*time.Second))
	}
	if b := td.backoff(); b != nil {
		opts = append(opts, RetryBackoff(b))
	}
	return opts
}

// backoff builds the configured Backoff, or nil for the library default.
func (td *TaskDefaultsYAML) backoff() Backoff {
	if td.Backoff == "" {
		return nil
	}
	initial := time.Second
	if td.BackoffInitial > 0 {
		initial = time.Duration(td.BackoffInitial) * time.Second
	}
	maxDelay := time.Minute
	if td.BackoffMax > 0 {
		maxDelay = time.Duration(td.BackoffMax) * time.Second
	}
	switch td.Backoff {
	case "constant":
		return NewConstantBackoff(initial)
	case "linear":
		return NewLinearBackoff(initial, maxDelay)
	case "exponential":
		return NewExponentialBackoff(initial, maxDelay)
	case "exponential_jitter":
		return NewExponentialJitterBackoff(initial, maxDelay)
	}
	return nil
}

// toBeatEntry converts a BeatEntryYAML to a BeatEntry.
func (be *BeatEntryYAML) toBeatEntry() BeatEntry {
	entry := BeatEntry{
		Name:  be.Name,
		Task:  be.Task,
		Queue: be.Queue,
		Cron:  be.Cron,
	}
	if be.Every > 0 {
		entry.Every = time.Duration(be.Every) * time.Second
	}
	if be.Args != "" {
		entry.Args = json.RawMessage(be.Args)
	}
	return entry
}

// dialConfiguredBroker dials the broker described by the config.
func dialConfiguredBroker(cfg *Config, logger *slog.Logger) (Broker, error) {
	brokerOpts := []BrokerOption{WithBrokerLogger(logger)}
	if cfg.Broker.Prefix != "" {
		brokerOpts = append(brokerOpts, WithKeyPrefix(cfg.Broker.Prefix))
	}
	if cfg.Broker.Prefetch > 0 {
		brokerOpts = append(brokerOpts, WithPrefetch(cfg.Broker.Prefetch))
	}
	return DialBroker(cfg.Broker.URL, brokerOpts...)
}

// NewWorkerFromConfig dials the configured broker and creates a Worker.
// The config forms the base configuration; WorkerOption values always win.
func NewWorkerFromConfig(cfg *Config, opts ...WorkerOption) (*Worker, error) {
	logger := newLoggerFromLevel(cfg.Worker.LogLevel)

	router, err := cfg.buildRouter()
	if err != nil {
		return nil, fmt.Errorf("building router from config: %w", err)
	}

	broker, err := dialConfiguredBroker(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("dialing broker from config: %w", err)
	}

	workerOpts := []WorkerOption{
		WithRouter(router),
		WithLogger(logger),
	}
	if len(cfg.Queues) > 0 {
		workerOpts = append(workerOpts, WithQueues(cfg.Queues...))
	}
	if cfg.Worker.Concurrency > 0 {
		workerOpts = append(workerOpts, WithConcurrency(cfg.Worker.Concurrency))
	}
	if cfg.Worker.GracePeriod > 0 {
		workerOpts = append(workerOpts, WithGracePeriod(time.Duration(cfg.Worker.GracePeriod)*time.Second))
	}
	if cfg.Worker.CancelWait > 0 {
		workerOpts = append(workerOpts, WithCancelWait(time.Duration(cfg.Worker.CancelWait)*time.Second))
	}
	if cfg.Worker.DefaultTimeout > 0 {
		workerOpts = append(workerOpts, WithDefaultTimeout(time.Duration(cfg.Worker.DefaultTimeout)*time.Second))
	}
	if tdOpts := cfg.taskDefaultOptions(); len(tdOpts) > 0 {
		workerOpts = append(workerOpts, WithTaskDefaults(tdOpts...))
	}

	// User options come last (override config).
	workerOpts = append(workerOpts, opts...)

	w, err := NewWorker(broker, workerOpts...)
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("creating worker from config: %w", err)
	}
	return w, nil
}

// NewClientFromConfig dials the configured broker and creates a Client.
// The config forms the base configuration; ClientOption values always win.
func NewClientFromConfig(cfg *Config, opts ...ClientOption) (*Client, error) {
	logger := newLoggerFromLevel(cfg.Worker.LogLevel)

	router, err := cfg.buildRouter()
	if err != nil {
		return nil, fmt.Errorf("building router from config: %w", err)
	}

	broker, err := dialConfiguredBroker(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("dialing broker from config: %w", err)
	}

	clientOpts := []ClientOption{
		WithClientRouter(router),
		WithClientLogger(logger),
	}
	clientOpts = append(clientOpts, opts...)

	c, err := NewClient(broker, clientOpts...)
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("creating client from config: %w", err)
	}
	return c, nil
}

// NewBeatFromConfig dials the configured broker and creates a Beat scheduler
// with the config's beat entries registered.
func NewBeatFromConfig(cfg *Config, opts ...BeatOption) (*Beat, error) {
	logger := newLoggerFromLevel(cfg.Worker.LogLevel)

	router, err := cfg.buildRouter()
	if err != nil {
		return nil, fmt.Errorf("building router from config: %w", err)
	}

	broker, err := dialConfiguredBroker(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("dialing broker from config: %w", err)
	}

	client, err := NewClient(broker, WithClientRouter(router), WithClientLogger(logger))
	if err != nil {
		broker.Close()
		return nil, fmt.Errorf("creating beat client from config: %w", err)
	}

	beatOpts := []BeatOption{WithBeatLogger(logger)}
	beatOpts = append(beatOpts, opts...)

	b := NewBeat(client, beatOpts...)
	for _, bey := range cfg.Beat {
		if err := b.Add(bey.toBeatEntry()); err != nil {
			client.Close()
			return nil, fmt.Errorf("registering beat entry %q: %w", bey.Name, err)
		}
	}
	return b, nil
}
