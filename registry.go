package taskmq

import (
	"fmt"
	"sort"
	"sync"
)

// taskDef binds a task name to its handler and execution policy.
type taskDef struct {
	name    string
	handler Handler
	policy  taskPolicy
}

// registry owns the task name -> definition mapping for a worker process.
// Registration happens during setup; Run freezes the registry, after which
// it is read-only and freely shared across worker goroutines.
type registry struct {
	mu       sync.RWMutex
	frozen   bool
	defaults taskPolicy
	tasks    map[string]*taskDef
}

func newRegistry(defaults taskPolicy) *registry {
	return &registry{defaults: defaults, tasks: make(map[string]*taskDef)}
}

func (r *registry) register(name string, h Handler, opts ...TaskOption) error {
	if h == nil {
		panic("taskmq: nil task handler")
	}
	if !validName(name, maxTaskNameLen) {
		return fmt.Errorf("%w: %q", ErrInvalidTaskName, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("%w: cannot register task %q", ErrWorkerRunning, name)
	}
	if _, exists := r.tasks[name]; exists {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, name)
	}

	policy := r.defaults
	for _, opt := range opts {
		opt(&policy)
	}

	r.tasks[name] = &taskDef{name: name, handler: h, policy: policy}
	return nil
}

func (r *registry) lookup(name string) (*taskDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotRegistered, name)
	}
	return def, nil
}

func (r *registry) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// names returns the registered task names in sorted order.
func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
