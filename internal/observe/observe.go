// Package observe carries per-probe and per-attempt events to diagnostics
// sinks (logs, progress bars, metrics) without slowing the workers down.
package observe

import (
	"sync"
	"sync/atomic"

	"github.com/proxy-broadcast/internal/metrics"
	"github.com/proxy-broadcast/internal/types"
)

// ProbeObserver receives every probe result of a validation run
type ProbeObserver interface {
	ObserveProbe(result types.ProbeResult)
}

// AttemptObserver receives every dispatch attempt once it is terminal
type AttemptObserver interface {
	ObserveAttempt(attempt types.DispatchAttempt)
}

// ProbeFunc adapts a function to ProbeObserver
type ProbeFunc func(types.ProbeResult)

func (f ProbeFunc) ObserveProbe(result types.ProbeResult) { f(result) }

// AttemptFunc adapts a function to AttemptObserver
type AttemptFunc func(types.DispatchAttempt)

func (f AttemptFunc) ObserveAttempt(attempt types.DispatchAttempt) { f(attempt) }

type discard struct{}

func (discard) ObserveProbe(types.ProbeResult)       {}
func (discard) ObserveAttempt(types.DispatchAttempt) {}

// Discard ignores every event
var Discard = discard{}

// MultiProbe fans a probe result out to several observers
type MultiProbe []ProbeObserver

func (m MultiProbe) ObserveProbe(result types.ProbeResult) {
	for _, o := range m {
		o.ObserveProbe(result)
	}
}

// MultiAttempt fans an attempt out to several observers
type MultiAttempt []AttemptObserver

func (m MultiAttempt) ObserveAttempt(attempt types.DispatchAttempt) {
	for _, o := range m {
		o.ObserveAttempt(attempt)
	}
}

// Queue decouples producers from a slow sink. Send never blocks: when the
// buffer is full the event is dropped and counted. A single goroutine
// delivers events to the sink in the order they were accepted.
type Queue[T any] struct {
	name    string
	events  chan T
	sink    func(T)
	metrics *metrics.Collector
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

func NewQueue[T any](name string, buffer int, sink func(T), m *metrics.Collector) *Queue[T] {
	if buffer < 1 {
		buffer = 1
	}
	q := &Queue[T]{
		name:    name,
		events:  make(chan T, buffer),
		sink:    sink,
		metrics: m,
		done:    make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *Queue[T]) drain() {
	defer close(q.done)
	for ev := range q.events {
		q.sink(ev)
	}
}

// Send enqueues ev. Events sent after Close are dropped.
func (q *Queue[T]) Send(ev T) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop()
		return
	}
	select {
	case q.events <- ev:
	default:
		q.drop()
	}
}

func (q *Queue[T]) drop() {
	q.dropped.Add(1)
	q.metrics.RecordObserverDrop(q.name)
}

// Dropped returns how many events never reached the sink
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops accepting events and waits until the sink has seen every
// queued one.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.events)
	}
	q.mu.Unlock()
	<-q.done
}

// AsyncProbe is a ProbeObserver backed by a Queue
type AsyncProbe struct {
	*Queue[types.ProbeResult]
}

func NewAsyncProbe(name string, buffer int, target ProbeObserver, m *metrics.Collector) *AsyncProbe {
	return &AsyncProbe{NewQueue(name, buffer, target.ObserveProbe, m)}
}

func (a *AsyncProbe) ObserveProbe(result types.ProbeResult) { a.Send(result) }

// AsyncAttempt is an AttemptObserver backed by a Queue
type AsyncAttempt struct {
	*Queue[types.DispatchAttempt]
}

func NewAsyncAttempt(name string, buffer int, target AttemptObserver, m *metrics.Collector) *AsyncAttempt {
	return &AsyncAttempt{NewQueue(name, buffer, target.ObserveAttempt, m)}
}

func (a *AsyncAttempt) ObserveAttempt(attempt types.DispatchAttempt) { a.Send(attempt) }
