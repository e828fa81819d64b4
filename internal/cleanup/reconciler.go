// Package cleanup is a reconciler for resources whose only job is to own
// generated children: it keeps a finalizer on every live resource, deletes
// the owned children once deletion is requested and reports progress in
// status.phase.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/controller"
	"github.com/imjasonh/preview-operator/generic"
	"github.com/imjasonh/preview-operator/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

const (
	PhaseReady  = "Ready"
	PhaseFailed = "Failed"
)

// DefaultRetryAfter is how long a failed cleanup waits before it is retried.
const DefaultRetryAfter = 30 * time.Second

// Status is the part of status this reconciler owns.
type Status struct {
	Phase              string `json:"phase,omitempty"`
	ObservedGeneration int64  `json:"observedGeneration,omitempty"`
	Message            string `json:"message,omitempty"`
}

type object struct {
	Status *Status `json:"status,omitempty"`
}

// Reconciler implements controller.EventHandler.
type Reconciler struct {
	Engine    controller.Engine
	Finalizer string

	// Owned lists the clients of every kind of child to delete.
	Owned []generic.Client[*unstructured.Unstructured]

	// RetryAfter defaults to DefaultRetryAfter.
	RetryAfter time.Duration
}

var _ controller.EventHandler = (*Reconciler)(nil)

// New returns a Reconciler for finalizer that deletes children through owned.
func New(e controller.Engine, finalizer string, owned ...generic.Client[*unstructured.Unstructured]) *Reconciler {
	return &Reconciler{Engine: e, Finalizer: finalizer, Owned: owned, RetryAfter: DefaultRetryAfter}
}

func (r *Reconciler) OnEvent(ctx context.Context, ev *resource.Event) error {
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).With("key", ev.Meta.Key()))

	done, err := r.Engine.HandleResourceFinalizer(ctx, ev, r.Finalizer, controller.EventHandlerFunc(r.deleteChildren))
	if err != nil {
		clog.WarnContext(ctx, "cleanup failed", "error", err)
		r.writeStatus(ctx, ev, Status{Phase: PhaseFailed, Message: err.Error()})
		return controller.RequeueAfter(r.retryAfter())
	}
	if done || ev.Type == resource.Deleted {
		return nil
	}

	r.writeStatus(ctx, ev, Status{Phase: PhaseReady, ObservedGeneration: ev.Object.GetGeneration()})
	return nil
}

func (r *Reconciler) deleteChildren(ctx context.Context, ev *resource.Event) error {
	var errs []error
	for _, c := range r.Owned {
		n, err := c.DeleteOwnedBy(ctx, ev.Meta.Namespace(), ev.Object.GetUID())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		clog.DebugContext(ctx, "deleted children", "count", n)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deleting children: %w", err)
	}
	return nil
}

// writeStatus patches status to want unless it already matches.
func (r *Reconciler) writeStatus(ctx context.Context, ev *resource.Event, want Status) {
	obj, err := resource.Decode[object](ev)
	if err != nil {
		clog.WarnContext(ctx, "decoding status", "error", err)
		return
	}

	var from any
	if obj.Status != nil {
		if *obj.Status == want {
			return
		}
		from = obj.Status
	}
	if _, ok := r.Engine.JSONPatchResourceStatus(ctx, ev.Meta, from, want); !ok {
		clog.WarnContext(ctx, "status update failed", "phase", want.Phase)
	}
}

func (r *Reconciler) retryAfter() time.Duration {
	if r.RetryAfter > 0 {
		return r.RetryAfter
	}
	return DefaultRetryAfter
}
