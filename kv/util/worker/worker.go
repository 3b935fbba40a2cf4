package worker

import (
	"sync"

	"github.com/pingcap/errors"
)

var (
	// ErrStopped is returned when a task is submitted to a stopped worker.
	ErrStopped = errors.New("worker: stopped")
	// ErrQueueFull is returned when every queue slot is taken.
	ErrQueueFull = errors.New("worker: queue full")
)

type Task interface{}

type TaskHandler interface {
	Handle(t Task)
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(t Task)

func (f TaskHandlerFunc) Handle(t Task) {
	f(t)
}

type Starter interface {
	Start()
}

type job struct {
	task Task
	done chan struct{}
}

// Worker runs submitted tasks on a fixed number of goroutines. Each submission returns a channel closed once its
// task has been handled.
type Worker struct {
	name        string
	concurrency int
	jobs        chan job

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

const defaultWorkerCapacity = 128

// NewWorker creates a worker running concurrency goroutines over a queue of capacity tasks. Non-positive values
// fall back to one goroutine and the default capacity.
func NewWorker(name string, concurrency, capacity int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if capacity <= 0 {
		capacity = defaultWorkerCapacity
	}
	return &Worker{
		name:        name,
		concurrency: concurrency,
		jobs:        make(chan job, capacity),
	}
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Start(handler TaskHandler) {
	if s, ok := handler.(Starter); ok {
		s.Start()
	}
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			for j := range w.jobs {
				handler.Handle(j.task)
				close(j.done)
			}
		}()
	}
}

// Submit queues t without blocking. It returns ErrQueueFull when the queue has no free slot.
func (w *Worker) Submit(t Task) (<-chan struct{}, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.stopped {
		return nil, ErrStopped
	}
	j := job{task: t, done: make(chan struct{})}
	select {
	case w.jobs <- j:
		return j.done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Stop rejects new tasks and waits for the queued ones to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.jobs)
	w.mu.Unlock()
	w.wg.Wait()
}
