package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
	"github.com/imjasonh/preview-operator/metrics"
	"github.com/imjasonh/preview-operator/resource"
	"github.com/imjasonh/preview-operator/watch"
	"golang.org/x/sync/errgroup"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/rest"
)

// Options configures an Operator.
type Options struct {
	// Workers is the number of dispatcher shards. With the default of 1
	// every handler runs in arrival order and never concurrently with
	// another; more workers only keep the order per resource.
	Workers int

	// Backoff between watch reconnects. Defaults to watch.DefaultBackoff.
	Backoff *wait.Backoff

	// Credentials overrides the credentials derived from the rest config.
	Credentials watch.CredentialProvider

	// CRDClient is used by RegisterCustomResourceDefinition. It is built
	// from the rest config when nil.
	CRDClient apiextensionsclientset.Interface
}

// Operator runs watches on Kubernetes resources and dispatches their events
// to handlers. It implements Engine.
type Operator struct {
	config    *rest.Config
	watcher   *watch.Client
	updater   *StatusUpdater
	paths     *pathRegistry
	queue     *Dispatcher
	crdClient apiextensionsclientset.Interface

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

var _ Engine = (*Operator)(nil)

// New returns an Operator talking to the API server described by config.
// opts may be nil.
func New(config *rest.Config, opts *Options) (*Operator, error) {
	if opts == nil {
		opts = &Options{}
	}
	host, err := watch.BaseURL(config)
	if err != nil {
		return nil, err
	}

	creds := opts.Credentials
	if creds == nil {
		creds = &watch.RESTConfigCredentials{Config: config}
	}
	var watchOpts []watch.Option
	if opts.Backoff != nil {
		watchOpts = append(watchOpts, watch.WithBackoff(*opts.Backoff))
	}

	paths := newPathRegistry()
	return &Operator{
		config:    config,
		watcher:   watch.NewClient(host, creds, watchOpts...),
		updater:   NewStatusUpdater(host, creds, paths),
		paths:     paths,
		queue:     NewDispatcher(opts.Workers),
		crdClient: opts.CRDClient,
	}, nil
}

// Start launches the dispatcher and runs init, which is expected to set up
// watches. An error from init is returned after the operator was stopped.
func (o *Operator) Start(ctx context.Context, init Initializer) error {
	o.mu.Lock()
	switch {
	case o.stopped:
		o.mu.Unlock()
		return ErrStopped
	case o.ctx != nil:
		o.mu.Unlock()
		return errors.New("operator already started")
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.group = &errgroup.Group{}
	runCtx := o.ctx
	o.mu.Unlock()

	o.queue.Run(runCtx)
	clog.InfoContext(ctx, "starting operator", "workers", len(o.queue.shards))

	if init == nil {
		return nil
	}
	if err := init.Init(runCtx, o); err != nil {
		o.Stop()
		return fmt.Errorf("initializing operator: %w", err)
	}
	return nil
}

// Stop cancels all watches and in-flight requests and stops accepting
// events. It returns immediately; use Wait to block until everything exited.
// Stop is idempotent.
func (o *Operator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		return
	}
	o.stopped = true
	if o.cancel != nil {
		o.cancel()
	}
	o.queue.ShutDown()
}

// Wait blocks until every watch loop and dispatcher worker has exited.
func (o *Operator) Wait() error {
	o.mu.Lock()
	group := o.group
	o.mu.Unlock()

	var err error
	if group != nil {
		err = group.Wait()
	}
	o.queue.Wait()
	return err
}

// Run starts the operator and blocks until ctx is done or Stop is called.
func (o *Operator) Run(ctx context.Context, init Initializer) error {
	if err := o.Start(ctx, init); err != nil {
		_ = o.Wait()
		return err
	}
	o.mu.Lock()
	done := o.ctx.Done()
	o.mu.Unlock()

	<-done
	clog.InfoContext(ctx, "stopping operator")
	o.Stop()
	return o.Wait()
}

// WatchResource subscribes handler to the collection of reg. The first
// watch request is made before returning so that protocol errors, such as
// an unknown resource, reach the caller. Afterwards the watch is kept alive
// in the background until the operator stops.
func (o *Operator) WatchResource(ctx context.Context, reg resource.Registration, handler EventHandler) error {
	o.mu.Lock()
	opCtx, group, stopped := o.ctx, o.group, o.stopped
	o.mu.Unlock()
	switch {
	case stopped:
		return ErrStopped
	case opCtx == nil:
		return ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	log := clog.FromContext(ctx).With("resource", reg.ID(), "session", uuid.NewString())
	wctx := clog.WithLogger(opCtx, log)

	first, err := o.watcher.Open(wctx, reg)

	// Stop may have run while the watch was opening. Once stopped, Wait may
	// already be running, so no loop can be added to the group.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopped {
		if first != nil {
			first.Close()
		}
		return ErrStopped
	}
	if err != nil {
		return fmt.Errorf("watching %s: %w", reg.ID(), err)
	}

	o.paths.register(reg)
	log.InfoContext(wctx, "watching resource", "path", reg.CollectionPath())
	group.Go(func() error {
		return o.watcher.Run(wctx, reg, first, func(rec watch.Record) {
			o.enqueue(wctx, log, reg, rec, handler)
		})
	})
	return nil
}

func (o *Operator) enqueue(ctx context.Context, log *clog.Logger, reg resource.Registration, rec watch.Record, handler EventHandler) {
	ev, err := resource.NewEvent(reg.Plural, rec.Type, rec.Object)
	if err != nil {
		metrics.WatchMalformedEvents.WithLabelValues(reg.ID()).Inc()
		log.WarnContext(ctx, "dropping malformed event", "type", rec.Type, "error", err)
		return
	}
	log.DebugContext(ctx, "received event", "type", ev.Type, "key", ev.Meta.Key(), "resourceVersion", ev.Meta.ResourceVersion())
	o.queue.Push(ev, handler, log)
}

// SetResourceStatus replaces the status subresource of meta.
func (o *Operator) SetResourceStatus(ctx context.Context, meta resource.Meta, status any) (resource.Meta, bool) {
	return o.updater.SetStatus(ctx, meta, status)
}

// PatchResourceStatus merge-patches the status subresource of meta.
func (o *Operator) PatchResourceStatus(ctx context.Context, meta resource.Meta, status any) (resource.Meta, bool) {
	return o.updater.PatchStatus(ctx, meta, status)
}

// JSONPatchResourceStatus patches the status subresource of meta from from
// to to with a JSON patch.
func (o *Operator) JSONPatchResourceStatus(ctx context.Context, meta resource.Meta, from, to any) (resource.Meta, bool) {
	return o.updater.JSONPatchStatus(ctx, meta, from, to)
}

// pathRegistry remembers the registration of every watched resource id so
// out-of-band writes can find the URL of a resource from its Meta.
type pathRegistry struct {
	mu   sync.RWMutex
	regs map[string]resource.Registration
}

func newPathRegistry() *pathRegistry {
	return &pathRegistry{regs: make(map[string]resource.Registration)}
}

func (p *pathRegistry) register(reg resource.Registration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.regs[reg.ID()] = reg
}

func (p *pathRegistry) ResourcePath(meta resource.Meta) (string, error) {
	p.mu.RLock()
	reg, ok := p.regs[meta.ID()]
	p.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no watch registered for resource %q", meta.ID())
	}
	return reg.ResourcePath(meta), nil
}
