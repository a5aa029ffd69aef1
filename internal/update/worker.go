// Package update serializes all topology mutations through one worker so
// that multi-key invariants hold without transactions.
package update

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ccyuki/zeppelin/internal/meta"
	zperrors "github.com/ccyuki/zeppelin/pkg/errors"
)

const (
	// kMaxRetry bounds retries of a transiently failing task.
	kMaxRetry = 3

	retryBaseDelay = 100 * time.Millisecond
)

// Applier commits one validated task. Implemented by the info store.
type Applier interface {
	Apply(task meta.UpdateTask) error
}

// Worker drains pending update tasks in FIFO order, one at a time.
// Enqueueing never blocks and never deduplicates.
type Worker struct {
	applier Applier

	mu    sync.Mutex
	queue []meta.UpdateTask

	wakeCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWorker(applier Applier) *Worker {
	return &Worker{
		applier: applier,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the drain goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop drains nothing further and waits for the in-flight task.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// PendingUpdate appends the task to the queue. Tasks enqueued from one
// critical section keep their relative order.
func (w *Worker) PendingUpdate(task meta.UpdateTask) {
	w.mu.Lock()
	w.queue = append(w.queue, task)
	w.mu.Unlock()

	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// Pending returns the queue depth.
func (w *Worker) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *Worker) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.wakeCh:
		}

		for {
			task, ok := w.pop()
			if !ok {
				break
			}
			w.run(task)

			select {
			case <-w.stopCh:
				return
			default:
			}
		}
	}
}

func (w *Worker) pop() (meta.UpdateTask, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return meta.UpdateTask{}, false
	}
	task := w.queue[0]
	w.queue = w.queue[1:]
	return task, true
}

func (w *Worker) run(task meta.UpdateTask) {
	delay := retryBaseDelay
	for attempt := 0; ; attempt++ {
		err := w.applier.Apply(task)
		if err == nil {
			return
		}
		if !errors.Is(err, zperrors.ErrIncomplete) {
			log.Printf("drop update task %s: %v", task, err)
			return
		}
		if attempt >= kMaxRetry {
			log.Printf("drop update task %s after %d retries: %v", task, kMaxRetry, err)
			return
		}
		log.Printf("retry update task %s: %v", task, err)

		select {
		case <-w.stopCh:
			return
		case <-time.After(delay):
		}
		delay *= 2
	}
}
