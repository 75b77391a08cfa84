package taskmq

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Rule maps a task-name glob pattern to a destination queue. Patterns use
// glob syntax where `*` matches any run of characters, including dots, so
// "orders.*" covers "orders.create" as well as "orders.payment.capture".
type Rule struct {
	Pattern string
	Queue   string
}

type compiledRule struct {
	pattern string
	queue   string
	g       glob.Glob
}

// Router resolves task names to destination queues. Rules are compiled once
// at construction and evaluated in order on every send; resolution is
// deterministic and has no side effects, so a Router is safe for concurrent
// use by any number of producers and workers.
type Router struct {
	rules        []compiledRule
	defaultQueue string
}

// NewRouter compiles the given routing rules. The first rule whose pattern
// matches a task name wins; tasks matching no rule fall back to the default
// queue. An empty defaultQueue means unmatched tasks fail to resolve.
// Patterns that do not compile are rejected with ErrBadRoutingPattern.
func NewRouter(defaultQueue string, rules ...Rule) (*Router, error) {
	if defaultQueue != "" && !validName(defaultQueue, maxQueueNameLen) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQueueName, defaultQueue)
	}

	r := &Router{defaultQueue: defaultQueue}
	for _, rule := range rules {
		if !validName(rule.Queue, maxQueueNameLen) {
			return nil, fmt.Errorf("%w: %q for pattern %q", ErrInvalidQueueName, rule.Queue, rule.Pattern)
		}
		g, err := glob.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadRoutingPattern, rule.Pattern, err)
		}
		r.rules = append(r.rules, compiledRule{pattern: rule.Pattern, queue: rule.Queue, g: g})
	}
	return r, nil
}

// Resolve returns the destination queue for a task. An explicit queue
// override wins unconditionally over the rule set.
func (r *Router) Resolve(task, override string) (string, error) {
	if override != "" {
		if !validName(override, maxQueueNameLen) {
			return "", fmt.Errorf("%w: %q", ErrInvalidQueueName, override)
		}
		return override, nil
	}
	for _, rule := range r.rules {
		if rule.g.Match(task) {
			return rule.queue, nil
		}
	}
	if r.defaultQueue != "" {
		return r.defaultQueue, nil
	}
	return "", fmt.Errorf("%w: no rule matches task %q and no default queue configured", ErrUnknownQueue, task)
}

// DefaultQueue returns the fallback queue name. It may be empty when the
// router was built without one.
func (r *Router) DefaultQueue() string {
	return r.defaultQueue
}
