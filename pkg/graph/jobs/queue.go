// Package jobs serializes mutating work per project.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/athapong/kgraph/pkg/graph"
	"github.com/athapong/kgraph/pkg/graph/metrics"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultSize is the per-project buffer used when none is configured
const DefaultSize = 16

// ErrClosed is returned by Submit after Close
var ErrClosed = errors.New("job queue closed")

// Job is one unit of mutating work for a project
type Job func(ctx context.Context) error

type task struct {
	ctx  context.Context
	fn   Job
	done chan error
}

// Queue runs the jobs of each project one at a time, in submission order, on a
// worker goroutine started the first time the project is seen. Jobs of different
// projects run in parallel.
type Queue struct {
	size   int
	logger *logrus.Logger

	mu      sync.Mutex
	workers map[string]chan task
	closed  bool
	wg      sync.WaitGroup
}

// NewQueue creates a queue holding at most size waiting jobs per project
func NewQueue(size int, logger *logrus.Logger) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return &Queue{
		size:    size,
		logger:  logger,
		workers: make(map[string]chan task),
	}
}

// Submit enqueues fn on the project's queue and waits until it has run, returning its error.
// A full queue fails fast with graph.ErrQueueFull. A job whose context is done before it
// starts is skipped and reports the context error.
func (q *Queue) Submit(ctx context.Context, projectID string, fn Job) error {
	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	tasks, ok := q.workers[projectID]
	if !ok {
		tasks = make(chan task, q.size)
		q.workers[projectID] = tasks
		q.wg.Add(1)
		go q.work(projectID, tasks)
	}
	select {
	case tasks <- t:
		metrics.JobQueueLength.WithLabelValues(projectID).Set(float64(len(tasks)))
	default:
		q.mu.Unlock()
		metrics.JobsRejected.WithLabelValues(projectID).Inc()
		return errors.Wrapf(graph.ErrQueueFull, "project %s", projectID)
	}
	q.mu.Unlock()

	return <-t.done
}

// Close stops accepting jobs and waits for queued jobs to finish
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, tasks := range q.workers {
		close(tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}

func (q *Queue) work(projectID string, tasks <-chan task) {
	defer q.wg.Done()
	for t := range tasks {
		metrics.JobQueueLength.WithLabelValues(projectID).Set(float64(len(tasks)))
		if err := t.ctx.Err(); err != nil {
			q.logger.WithField("project_id", projectID).Debug("Skipping cancelled job")
			t.done <- err
			continue
		}
		t.done <- q.run(t)
	}
}

func (q *Queue) run(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			q.logger.WithField("panic", r).Error("Recovered from job panic")
		}
	}()
	return t.fn(t.ctx)
}
