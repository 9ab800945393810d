// Package queue routes build requests to execution lanes. A serial
// lane executes its requests strictly one at a time in submission
// order; a parallel lane executes concurrently up to the worker budget.
// Lane assignment happens once, at submission, and never changes.
package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/pool"
)

// Lane modes.
const (
	ModeSerial   = "serial"
	ModeParallel = "parallel"
)

// LaneSpec configures one lane.
type LaneSpec struct {
	Mode string
}

// Task is one unit of queued work.
type Task func()

type lane struct {
	name  string
	mode  string
	tasks chan Task
}

// Router maps submitters to lanes and runs the lane consumers.
type Router struct {
	lanes       map[string]*lane
	userLanes   map[string]string
	defaultLane string

	wg sync.WaitGroup

	// mu serializes admission against Close so a late Enqueue is
	// rejected instead of sending on a closed channel.
	mu     sync.RWMutex
	closed bool
}

// NewRouter creates a router and starts the lane consumers. poolSize
// bounds concurrency within each parallel lane; queueDepth bounds the
// per-lane submission buffer.
func NewRouter(specs map[string]LaneSpec, userLanes map[string]string, defaultLane string, poolSize, queueDepth int) (*Router, error) {
	if _, ok := specs[defaultLane]; !ok {
		return nil, fmt.Errorf("default lane %q is not defined", defaultLane)
	}

	r := &Router{
		lanes:       map[string]*lane{},
		userLanes:   userLanes,
		defaultLane: defaultLane,
	}
	for name, spec := range specs {
		if spec.Mode != ModeSerial && spec.Mode != ModeParallel {
			return nil, fmt.Errorf("lane %q has invalid mode %q", name, spec.Mode)
		}
		l := &lane{name: name, mode: spec.Mode, tasks: make(chan Task, queueDepth)}
		r.lanes[name] = l

		r.wg.Add(1)
		switch spec.Mode {
		case ModeSerial:
			go r.runSerial(l)
		case ModeParallel:
			go r.runParallel(l, poolSize)
		}
	}
	return r, nil
}

// runSerial consumes one task at a time, preserving submission order.
func (r *Router) runSerial(l *lane) {
	defer r.wg.Done()
	for task := range l.tasks {
		task()
	}
}

// runParallel feeds tasks to a bounded worker pool.
func (r *Router) runParallel(l *lane, poolSize int) {
	defer r.wg.Done()
	p := pool.New().WithMaxGoroutines(poolSize)
	for task := range l.tasks {
		p.Go(task)
	}
	p.Wait()
}

// Route resolves the lane for a submitter. Unmapped users fall back to
// the default parallel lane.
func (r *Router) Route(user string) string {
	if name, ok := r.userLanes[user]; ok {
		if _, defined := r.lanes[name]; defined {
			return name
		}
		slog.Warn("queue_lane_undefined", "user", user, "lane", name)
	}
	return r.defaultLane
}

// Mode returns the execution mode of a lane.
func (r *Router) Mode(laneName string) string {
	if l, ok := r.lanes[laneName]; ok {
		return l.mode
	}
	return ""
}

// Enqueue admits a task to its lane. The lane was resolved at
// submission time and is immutable for the life of the request.
// Enqueue after Close is rejected, never a send on a closed channel.
func (r *Router) Enqueue(laneName string, task Task) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("lane %q rejected the task: the router is closed", laneName)
	}
	l, ok := r.lanes[laneName]
	if !ok {
		return fmt.Errorf("lane %q is not defined", laneName)
	}
	l.tasks <- task
	slog.Debug("queue_task_enqueued", "lane", laneName, "mode", l.mode)
	return nil
}

// Close stops admission and waits for all queued tasks to finish.
// Safe to call more than once.
func (r *Router) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, l := range r.lanes {
			close(l.tasks)
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}
