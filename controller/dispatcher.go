package controller

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/metrics"
	"github.com/imjasonh/preview-operator/resource"
	"k8s.io/client-go/util/workqueue"
)

// task is one queued handler invocation.
type task struct {
	event   *resource.Event
	handler EventHandler
	log     *clog.Logger

	seq      uint64
	requeued bool
}

// Dispatcher serializes event handler invocations. Events are spread over
// a fixed number of shards by resource key; each shard is a FIFO worked by
// exactly one goroutine. With a single shard every handler runs in global
// arrival order and no two handlers ever run concurrently. With more shards
// only the order of events for the same resource is kept.
//
// The dispatcher tracks the newest queued event per resource until it was
// handled, so its bookkeeping is bounded by the resources with events in
// flight or waiting for a requeue.
type Dispatcher struct {
	shards []workqueue.TypedDelayingInterface[*task]
	wg     sync.WaitGroup

	mu     sync.Mutex
	seq    uint64
	latest map[string]uint64
}

// NewDispatcher returns a Dispatcher with the given number of shards.
func NewDispatcher(workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		shards: make([]workqueue.TypedDelayingInterface[*task], workers),
		latest: make(map[string]uint64),
	}
	for i := range d.shards {
		d.shards[i] = workqueue.NewTypedDelayingQueueWithConfig(workqueue.TypedDelayingQueueConfig[*task]{
			Name:            fmt.Sprintf("events-%d", i),
			MetricsProvider: metrics.WorkqueueProvider{},
		})
	}
	return d
}

// Push queues ev for handler. The handler will see a context carrying log.
// Pushing after ShutDown is a no-op.
func (d *Dispatcher) Push(ev *resource.Event, handler EventHandler, log *clog.Logger) {
	key := ev.Meta.Key()

	d.mu.Lock()
	d.seq++
	t := &task{event: ev, handler: handler, log: log, seq: d.seq}
	d.latest[key] = t.seq
	d.mu.Unlock()

	d.shardFor(key).Add(t)
}

// Run starts one worker per shard. Workers exit once ShutDown was called and
// their shard is empty.
func (d *Dispatcher) Run(ctx context.Context) {
	for _, q := range d.shards {
		d.wg.Add(1)
		go func(q workqueue.TypedDelayingInterface[*task]) {
			defer d.wg.Done()
			for d.processNext(ctx, q) {
			}
		}(q)
	}
}

// ShutDown stops accepting events and ends pending requeue delays. It does
// not drain: events already queued are still handed to their handlers, which
// observe the cancelled context of Run.
func (d *Dispatcher) ShutDown() {
	for _, q := range d.shards {
		q.ShutDown()
	}
}

// Wait blocks until all workers have exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Len returns the number of queued events across all shards.
func (d *Dispatcher) Len() int {
	n := 0
	for _, q := range d.shards {
		n += q.Len()
	}
	return n
}

func (d *Dispatcher) shardFor(key string) workqueue.TypedDelayingInterface[*task] {
	if len(d.shards) == 1 {
		return d.shards[0]
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return d.shards[h.Sum32()%uint32(len(d.shards))]
}

func (d *Dispatcher) processNext(ctx context.Context, q workqueue.TypedDelayingInterface[*task]) bool {
	t, quit := q.Get()
	if quit {
		return false
	}
	defer q.Done(t)

	if t.log != nil {
		ctx = clog.WithLogger(ctx, t.log)
	}
	if t.requeued && d.superseded(t) {
		clog.DebugContext(ctx, "dropping requeued event superseded by a newer one", "key", t.event.Meta.Key())
		return true
	}

	err := d.invoke(ctx, t)
	if delay := GetRequeueDuration(err); delay > 0 {
		clog.DebugContext(ctx, "requeueing event", "key", t.event.Meta.Key(), "after", delay)
		t.requeued = true
		q.AddAfter(t, delay)
		return true
	}
	if err != nil {
		clog.ErrorContext(ctx, "event handler failed", "key", t.event.Meta.Key(), "type", t.event.Type, "error", err)
	}
	d.forget(t)
	return true
}

func (d *Dispatcher) invoke(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerErrors.WithLabelValues("panic").Inc()
			err = fmt.Errorf("event handler panicked: %v", r)
		}
	}()
	if err := t.handler.OnEvent(ctx, t.event); err != nil {
		if !IsRequeueError(err) {
			metrics.HandlerErrors.WithLabelValues("error").Inc()
		}
		return err
	}
	return nil
}

// superseded reports whether a newer event for the resource of t was pushed
// since t. A missing entry means that newer event was already handled.
func (d *Dispatcher) superseded(t *task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	latest, ok := d.latest[t.event.Meta.Key()]
	return !ok || latest > t.seq
}

// forget drops the bookkeeping of a resource once its newest event was
// handled.
func (d *Dispatcher) forget(t *task) {
	key := t.event.Meta.Key()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.latest[key] == t.seq {
		delete(d.latest, key)
	}
}
