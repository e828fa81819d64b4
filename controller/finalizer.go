package controller

import (
	"context"
	"fmt"
	"slices"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/metrics"
	"github.com/imjasonh/preview-operator/resource"
)

// finalizerState is where a resource stands in the two-phase deletion
// protocol relative to one finalizer token.
type finalizerState string

const (
	// finalizerUnregistered: live, token missing.
	finalizerUnregistered finalizerState = "register"
	// finalizerRegistered: live, token present.
	finalizerRegistered finalizerState = "registered"
	// finalizerFinalizing: deletion requested, token present.
	finalizerFinalizing finalizerState = "finalize"
	// finalizerFinalized: deletion requested, token already removed.
	finalizerFinalized finalizerState = "finalized"
	// finalizerIgnored: the event carries no object state to act on.
	finalizerIgnored finalizerState = "ignored"
)

func finalizerStateOf(ev *resource.Event, token string) finalizerState {
	if ev == nil || ev.Object == nil || ev.Type == resource.Deleted {
		return finalizerIgnored
	}
	if ev.Type != resource.Added && ev.Type != resource.Modified {
		return finalizerIgnored
	}
	present := slices.Contains(ev.Object.GetFinalizers(), token)
	deleting := ev.Object.GetDeletionTimestamp() != nil
	switch {
	case !deleting && !present:
		return finalizerUnregistered
	case !deleting && present:
		return finalizerRegistered
	case present:
		return finalizerFinalizing
	default:
		return finalizerFinalized
	}
}

// HandleResourceFinalizer keeps finalizer on live resources and runs
// deleteAction once deletion was requested, removing finalizer afterwards.
// It reports whether the caller must stop processing ev, which is the case
// whenever it issued a write or the resource is on its way out.
//
// If deleteAction fails the finalizer stays in place and the error is
// returned, so the next event for the resource retries the cleanup. Failed
// finalizer writes are logged only.
func (o *Operator) HandleResourceFinalizer(ctx context.Context, ev *resource.Event, finalizer string, deleteAction EventHandler) (bool, error) {
	state := finalizerStateOf(ev, finalizer)
	if state == finalizerIgnored {
		return false, nil
	}
	metrics.FinalizerActions.WithLabelValues(ev.Meta.ID(), string(state)).Inc()

	switch state {
	case finalizerUnregistered:
		finalizers := append(slices.Clone(ev.Object.GetFinalizers()), finalizer)
		if !o.updater.SetFinalizers(ctx, ev.Meta, finalizers) {
			clog.WarnContext(ctx, "failed to add finalizer", "resource", ev.Meta.String(), "finalizer", finalizer)
		}
		return true, nil

	case finalizerFinalizing:
		if deleteAction != nil {
			if err := deleteAction.OnEvent(ctx, ev); err != nil {
				return true, fmt.Errorf("finalizing %s: %w", ev.Meta.Key(), err)
			}
		}
		remaining := slices.DeleteFunc(slices.Clone(ev.Object.GetFinalizers()), func(f string) bool {
			return f == finalizer
		})
		if !o.updater.SetFinalizers(ctx, ev.Meta, remaining) {
			clog.WarnContext(ctx, "failed to remove finalizer", "resource", ev.Meta.String(), "finalizer", finalizer)
		}
		return true, nil

	case finalizerFinalized:
		return true, nil
	}
	return false, nil
}
