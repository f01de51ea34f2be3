package discovery

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/Trustflow-Network-Labs/swarm-discovery/internal/utils"
)

// loop is the session's control thread. Tasks run one at a time in the
// order they were posted. The mailbox is unbounded so posting never blocks.
type loop struct {
	mutex   sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	logger  *utils.LogsManager
}

func newLoop(logger *utils.LogsManager) *loop {
	l := &loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

// post queues fn. It returns false once the loop was stopped.
func (l *loop) post(fn func()) bool {
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// call runs fn on the loop and waits for it. Never use it from a task.
func (l *loop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}

	select {
	case <-finished:
		return true
	case <-l.done:
		// the task may have been the last one to run
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// stop refuses new tasks; tasks already queued still run
func (l *loop) stop() {
	l.mutex.Lock()
	l.stopped = true
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run() {
	defer close(l.done)

	for {
		l.mutex.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mutex.Unlock()
			if stopped {
				return
			}
			<-l.wake
			continue
		}
		tasks := l.queue
		l.queue = nil
		l.mutex.Unlock()

		for _, task := range tasks {
			l.exec(task)
		}
	}
}

func (l *loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Control loop task panicked: %v\n%s", r, debug.Stack())
			l.logger.Error(msg, "discovery")
		}
	}()
	task()
}
