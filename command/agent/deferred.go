// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// deferredTask is one enqueued deferred-queue entry.
type deferredTask struct {
	path    string
	payload []byte
	tries   int
}

// deferredQueue is the in-process deferred-task queue: enqueue is cheap
// and non-blocking for the caller, workers drain entries through a
// handler and re-enqueue on failure with a delay. The durable outbox in
// the state store backstops entries that keep failing, so this queue can
// afford to give up.
type deferredQueue struct {
	logger  hclog.Logger
	handler func(path string, payload []byte) error

	maxTries int
	retryIn  time.Duration

	mu      sync.Mutex
	pending []*deferredTask
	wake    chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func newDeferredQueue(logger hclog.Logger, handler func(string, []byte) error) *deferredQueue {
	return &deferredQueue{
		logger:   logger.Named("deferred"),
		handler:  handler,
		maxTries: 5,
		retryIn:  5 * time.Second,
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue implements drover.DeferredQueue.
func (q *deferredQueue) Enqueue(path string, payload []byte) error {
	q.mu.Lock()
	q.pending = append(q.pending, &deferredTask{path: path, payload: payload})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *deferredQueue) run(workers int) {
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
}

func (q *deferredQueue) worker() {
	defer q.wg.Done()
	for {
		task := q.pop()
		if task == nil {
			select {
			case <-q.wake:
				continue
			case <-q.stopCh:
				return
			}
		}
		if err := q.handler(task.path, task.payload); err != nil {
			task.tries++
			if task.tries >= q.maxTries {
				q.logger.Error("giving up on deferred task",
					"path", task.path, "tries", task.tries, "error", err)
				continue
			}
			q.logger.Warn("deferred task failed, will retry",
				"path", task.path, "tries", task.tries, "error", err)
			q.requeueLater(task)
		}
	}
}

func (q *deferredQueue) pop() *deferredTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	return task
}

func (q *deferredQueue) requeueLater(task *deferredTask) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		select {
		case <-time.After(q.retryIn):
		case <-q.stopCh:
			return
		}
		q.mu.Lock()
		q.pending = append(q.pending, task)
		q.mu.Unlock()
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}()
}

func (q *deferredQueue) shutdown() {
	close(q.stopCh)
	q.wg.Wait()
}
