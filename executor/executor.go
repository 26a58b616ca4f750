// Package executor provides the two execution contexts the harness hands to the broker and its
// mock dependencies: a same-thread ordered executor that makes broker callbacks synchronous, and
// a dedicated single goroutine for log-store background work.
package executor

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrShutdown is returned when a task is submitted after Shutdown.
var ErrShutdown = errors.New("executor has been shut down")

// Executor runs tasks.
type Executor interface {
	Execute(task func()) error
	Shutdown()
}

// Ordered runs tasks so that tasks submitted with the same key run in submission order.
type Ordered interface {
	Executor
	ExecuteOrdered(key string, task func()) error
}

// Direct runs every task inline on the caller's goroutine. It is the non-deferring execution
// mode used when creating the mock coordination store.
type Direct struct{}

func (Direct) Execute(task func()) error {
	task()
	return nil
}

func (Direct) Shutdown() {}

// SameThreadOrdered runs every task inline on the submitting goroutine. Because nothing is
// deferred, per-key ordering holds trivially and the effects of a callback are visible as soon as
// the submitting call returns.
type SameThreadOrdered struct {
	lock   sync.RWMutex
	closed bool
}

// NewSameThreadOrdered creates an ordered executor that never defers work.
func NewSameThreadOrdered() *SameThreadOrdered {
	return &SameThreadOrdered{}
}

func (e *SameThreadOrdered) Execute(task func()) error {
	return e.ExecuteOrdered("", task)
}

func (e *SameThreadOrdered) ExecuteOrdered(key string, task func()) error {
	e.lock.RLock()
	closed := e.closed
	e.lock.RUnlock()
	if closed {
		return ErrShutdown
	}
	task()
	return nil
}

func (e *SameThreadOrdered) Shutdown() {
	e.lock.Lock()
	e.closed = true
	e.lock.Unlock()
}

// PanicHandler is called with the recovered value when a task panics on a SingleThread executor.
type PanicHandler func(name string, recovered interface{}, stack []byte)

// LogPanics returns a PanicHandler that logs the failure instead of propagating it.
func LogPanics(logger *logrus.Entry) PanicHandler {
	return func(name string, recovered interface{}, stack []byte) {
		logger.WithField("Executor", name).Infof("Uncaught exception: %v\n%s", recovered, stack)
	}
}

// SingleThread runs tasks one at a time on a dedicated goroutine, in submission order.
type SingleThread struct {
	name    string
	onPanic PanicHandler
	lock    sync.Mutex
	ready   *sync.Cond
	queue   []func()
	closed  bool
	done    chan struct{}
}

// NewSingleThread starts a dedicated worker goroutine. A task that panics is reported to onPanic
// and the worker keeps running.
func NewSingleThread(name string, onPanic PanicHandler) *SingleThread {
	e := &SingleThread{
		name:    name,
		onPanic: onPanic,
		done:    make(chan struct{}),
	}
	e.ready = sync.NewCond(&e.lock)
	go e.run()
	return e
}

func (e *SingleThread) Name() string {
	return e.name
}

func (e *SingleThread) run() {
	defer close(e.done)
	for {
		task, ok := e.next()
		if !ok {
			return
		}
		e.runTask(task)
	}
}

// next waits for a task. It returns false once the executor is shut down and drained.
func (e *SingleThread) next() (func(), bool) {
	e.lock.Lock()
	defer e.lock.Unlock()
	for len(e.queue) == 0 && !e.closed {
		e.ready.Wait()
	}
	if len(e.queue) == 0 {
		return nil, false
	}
	task := e.queue[0]
	e.queue[0] = nil
	e.queue = e.queue[1:]
	return task, true
}

func (e *SingleThread) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			if e.onPanic != nil {
				e.onPanic(e.name, r, debug.Stack())
			}
		}
	}()
	task()
}

// Execute queues a task. It never blocks, so a running task may queue more work.
func (e *SingleThread) Execute(task func()) error {
	e.lock.Lock()
	defer e.lock.Unlock()
	if e.closed {
		return fmt.Errorf("%s: %w", e.name, ErrShutdown)
	}
	e.queue = append(e.queue, task)
	e.ready.Signal()
	return nil
}

// Shutdown stops accepting tasks; tasks already queued still run. It does not wait for them.
func (e *SingleThread) Shutdown() {
	e.lock.Lock()
	defer e.lock.Unlock()
	e.closed = true
	e.ready.Broadcast()
}

// AwaitTermination blocks until every queued task has run after Shutdown.
func (e *SingleThread) AwaitTermination() {
	<-e.done
}
