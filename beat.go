package taskmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// beatTickInterval is the schedule poll resolution. Entries fire on the
// first tick at or after their schedule time.
const beatTickInterval = 1 * time.Second

// BeatEntry defines one periodic task submission. Exactly one of Every and
// Cron must be set: Every submits on a fixed interval, Cron on a 5 or
// 6-field cron schedule.
type BeatEntry struct {
	Name  string
	Task  string
	Args  json.RawMessage
	Queue string
	Every time.Duration
	Cron  string
}

// beatEntryState carries an entry plus its scheduling state.
type beatEntryState struct {
	entry BeatEntry
	expr  *CronExpr
	next  time.Time
}

func (st *beatEntryState) nextAfter(t time.Time) time.Time {
	if st.entry.Every > 0 {
		return t.Add(st.entry.Every)
	}
	return st.expr.Next(t)
}

// BeatOption configures a Beat.
type BeatOption func(*Beat)

// WithBeatLogger sets a custom slog.Logger.
func WithBeatLogger(l *slog.Logger) BeatOption {
	return func(b *Beat) { b.logger = l }
}

// WithBeatTick sets the schedule poll resolution. Mostly useful in tests.
func WithBeatTick(d time.Duration) BeatOption {
	return func(b *Beat) {
		if d > 0 {
			b.tick = d
		}
	}
}

// Beat submits periodic tasks through a Client as their schedules come due.
// It is not a distributed scheduler: run exactly one beat process per
// deployment, or every process submits its own copy of each entry.
type Beat struct {
	client *Client
	logger *slog.Logger
	tick   time.Duration

	mu      sync.Mutex
	entries map[string]*beatEntryState
}

// NewBeat creates a Beat submitting through the given client.
func NewBeat(client *Client, opts ...BeatOption) *Beat {
	b := &Beat{
		client:  client,
		logger:  slog.Default(),
		tick:    beatTickInterval,
		entries: make(map[string]*beatEntryState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add registers a periodic entry. Entry names must be unique. Entries may
// be added while the beat is running; they are scheduled from the next tick.
func (b *Beat) Add(entry BeatEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("taskmq: beat entry name must not be empty")
	}
	if !validName(entry.Task, maxTaskNameLen) {
		return fmt.Errorf("%w: %q in beat entry %q", ErrInvalidTaskName, entry.Task, entry.Name)
	}
	if entry.Queue != "" && !validName(entry.Queue, maxQueueNameLen) {
		return fmt.Errorf("%w: %q in beat entry %q", ErrInvalidQueueName, entry.Queue, entry.Name)
	}
	if len(entry.Args) > 0 && !json.Valid(entry.Args) {
		return fmt.Errorf("%w: beat entry %q: args must be valid JSON", ErrSerialization, entry.Name)
	}

	hasEvery := entry.Every > 0
	hasCron := entry.Cron != ""
	if hasEvery == hasCron {
		return fmt.Errorf("taskmq: beat entry %q: exactly one of Every/Cron must be set", entry.Name)
	}

	var expr *CronExpr
	if hasCron {
		var err error
		expr, err = ParseCronExpr(entry.Cron)
		if err != nil {
			return fmt.Errorf("taskmq: beat entry %q: %w", entry.Name, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.entries[entry.Name]; exists {
		return fmt.Errorf("taskmq: beat entry %q already exists", entry.Name)
	}
	b.entries[entry.Name] = &beatEntryState{entry: entry, expr: expr}
	return nil
}

// Entries returns the registered entry names in sorted order.
func (b *Beat) Entries() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.entries))
	for name := range b.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run ticks until ctx is cancelled, submitting entries as they come due.
// Schedules are primed from the start time: an Every entry first fires one
// interval after Run begins, a Cron entry at its next calendar match. Ticks
// missed while the process was suspended are skipped, not replayed.
func (b *Beat) Run(ctx context.Context) error {
	b.prime(time.Now())

	b.logger.Info("beat started", "entries", b.Entries(), "tick", b.tick)
	defer b.logger.Info("beat stopped")

	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.fireDue(ctx, time.Now())
		}
	}
}

// prime sets the first fire time for entries that do not have one yet.
func (b *Beat) prime(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, st := range b.entries {
		if st.next.IsZero() {
			st.next = st.nextAfter(now)
		}
	}
}

// fireDue submits every entry whose schedule time has arrived and advances
// its schedule past now.
func (b *Beat) fireDue(ctx context.Context, now time.Time) {
	b.mu.Lock()
	var due []BeatEntry
	for _, st := range b.entries {
		if st.next.IsZero() {
			st.next = st.nextAfter(now)
			continue
		}
		if !now.Before(st.next) {
			due = append(due, st.entry)
			st.next = st.nextAfter(now)
		}
	}
	b.mu.Unlock()

	for _, entry := range due {
		b.submit(ctx, entry)
	}
}

func (b *Beat) submit(ctx context.Context, entry BeatEntry) {
	var opts []SendOption
	if entry.Queue != "" {
		opts = append(opts, Queue(entry.Queue))
	}
	var args any
	if len(entry.Args) > 0 {
		args = entry.Args
	}

	id, err := b.client.SendTask(ctx, entry.Task, args, opts...)
	if err != nil {
		if ctx.Err() == nil {
			b.logger.Error("beat submission failed", "entry", entry.Name, "task", entry.Task, "error", err)
		}
		return
	}
	b.logger.Info("beat submitted task", "entry", entry.Name, "task", entry.Task, "task_id", id)
}
