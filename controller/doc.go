// Package controller runs reconcilers against a Kubernetes API server.
//
// An Operator watches resource collections and feeds every change, in
// arrival order, to the EventHandler registered for it. Handlers get
// out-of-band writes through the Engine interface: status updates (replace,
// merge patch or JSON patch) and the finalizer protocol.
//
// # Basic Usage
//
//	op, _ := controller.New(config, nil)
//	err := op.Run(ctx, controller.InitializerFunc(func(ctx context.Context, e controller.Engine) error {
//	    return e.WatchResource(ctx, resource.Registration{
//	        Group: "example.com", Version: "v1", Plural: "widgets",
//	    }, controller.EventHandlerFunc(func(ctx context.Context, ev *resource.Event) error {
//	        if done, err := e.HandleResourceFinalizer(ctx, ev, "widgets.example.com/cleanup", cleanup); done {
//	            return err
//	        }
//	        e.PatchResourceStatus(ctx, ev.Meta, map[string]any{"phase": "Ready"})
//	        return nil
//	    }))
//	}))
//
// # Ordering
//
// With the default of one worker, handlers never run concurrently and see
// events in the order they were received across all watches. Options.Workers
// trades the global order for per-resource order.
//
// # Error Handling
//
// Handler errors are logged and dropped. Returning RequeueAfter delivers the
// same event again after a delay, unless a newer event for the resource was
// received in the meantime. Status writers never fail loudly: they log and
// report false, and the next event is expected to retry.
package controller
