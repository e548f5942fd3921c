package peerrpc

import "sync"

// orderedWorker runs submitted tasks one at a time, in submission order, on
// its own goroutine. Submitting never blocks.
type orderedWorker struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newOrderedWorker() *orderedWorker {
	w := &orderedWorker{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// submit queues fn. It reports false once the worker has stopped.
func (w *orderedWorker) submit(fn func()) bool {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return false
	}
	w.tasks = append(w.tasks, fn)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

func (w *orderedWorker) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		for {
			w.mu.Lock()
			if w.stopped || len(w.tasks) == 0 {
				w.mu.Unlock()
				break
			}
			fn := w.tasks[0]
			w.tasks = w.tasks[1:]
			w.mu.Unlock()
			fn()
		}
	}
}

// stop drops queued tasks. A task already running finishes.
func (w *orderedWorker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.tasks = nil
	close(w.done)
}
