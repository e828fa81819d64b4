package controller

import (
	"context"

	"github.com/imjasonh/preview-operator/resource"
)

// EventHandler reconciles a single resource event. Handlers run one at a
// time per dispatcher shard; a returned error is logged and otherwise
// ignored, except for RequeueAfter.
//
// Handlers own their failure reporting: the usual pattern is to catch
// errors and write them into the resource's status with PatchResourceStatus.
type EventHandler interface {
	OnEvent(ctx context.Context, ev *resource.Event) error
}

// EventHandlerFunc is an adapter to allow ordinary functions to be used as
// EventHandlers.
type EventHandlerFunc func(ctx context.Context, ev *resource.Event) error

// OnEvent calls f(ctx, ev).
func (f EventHandlerFunc) OnEvent(ctx context.Context, ev *resource.Event) error {
	return f(ctx, ev)
}

// Engine is the surface an Operator exposes to reconcilers. Reconcilers take
// an Engine as a dependency instead of embedding the Operator.
type Engine interface {
	// WatchResource subscribes handler to every change of the collection
	// described by reg. It returns once the first watch is established;
	// a protocol error (e.g. unknown resource) is returned and not retried.
	WatchResource(ctx context.Context, reg resource.Registration, handler EventHandler) error

	// HandleResourceFinalizer drives the two-phase deletion protocol for
	// finalizer. When it returns true the caller must stop processing ev.
	HandleResourceFinalizer(ctx context.Context, ev *resource.Event, finalizer string, deleteAction EventHandler) (bool, error)

	// SetResourceStatus replaces the status subresource. On failure the
	// error is logged and ok is false.
	SetResourceStatus(ctx context.Context, meta resource.Meta, status any) (resource.Meta, bool)

	// PatchResourceStatus merge-patches the status subresource.
	PatchResourceStatus(ctx context.Context, meta resource.Meta, status any) (resource.Meta, bool)

	// JSONPatchResourceStatus sends the JSON patch that turns from into to.
	JSONPatchResourceStatus(ctx context.Context, meta resource.Meta, from, to any) (resource.Meta, bool)
}

// Initializer sets up the watches of an operator. Init runs once from
// Operator.Start; an error aborts startup.
type Initializer interface {
	Init(ctx context.Context, e Engine) error
}

// InitializerFunc is an adapter to allow ordinary functions to be used as
// Initializers.
type InitializerFunc func(ctx context.Context, e Engine) error

// Init calls f(ctx, e).
func (f InitializerFunc) Init(ctx context.Context, e Engine) error {
	return f(ctx, e)
}
