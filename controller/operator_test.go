package controller

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/imjasonh/preview-operator/internal/apiservertest"
	"github.com/imjasonh/preview-operator/metrics"
	"github.com/imjasonh/preview-operator/resource"
	"github.com/prometheus/client_golang/prometheus/testutil"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
)

const testFinalizer = "widgets.example.com/cleanup"

var (
	widgetsGVR = schema.GroupVersionResource{Group: "example.com", Version: "v1", Resource: "widgets"}
	gadgetsGVR = schema.GroupVersionResource{Group: "example.com", Version: "v1", Resource: "gadgets"}
	widgets    = resource.ForGVR(widgetsGVR)
	gadgets    = resource.ForGVR(gadgetsGVR)
)

func newServer(t *testing.T) *apiservertest.Server {
	t.Helper()
	s := apiservertest.New(t)
	s.AddResource(widgetsGVR, "Widget")
	s.AddResource(gadgetsGVR, "Gadget")
	return s
}

func newOperator(t *testing.T, s *apiservertest.Server, opts *Options) *Operator {
	t.Helper()
	if opts == nil {
		opts = &Options{}
	}
	opts.Backoff = &wait.Backoff{Duration: 5 * time.Millisecond, Factor: 1, Steps: math.MaxInt32}
	op, err := New(s.Config("test-token"), opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		op.Stop()
		if err := op.Wait(); err != nil {
			t.Errorf("Wait: %v", err)
		}
	})
	return op
}

func watchWith(regs []resource.Registration, handler EventHandler) Initializer {
	return InitializerFunc(func(ctx context.Context, e Engine) error {
		for _, reg := range regs {
			if err := e.WatchResource(ctx, reg, handler); err != nil {
				return err
			}
		}
		return nil
	})
}

func newWidget(name string, finalizers ...string) *unstructured.Unstructured {
	u := &unstructured.Unstructured{}
	u.SetNamespace("default")
	u.SetName(name)
	u.SetFinalizers(finalizers)
	return u
}

func markDeleted(u *unstructured.Unstructured) {
	now := metav1.Now()
	u.SetDeletionTimestamp(&now)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func patches(s *apiservertest.Server) []apiservertest.Request {
	var out []apiservertest.Request
	for _, r := range s.Requests() {
		if r.Method == http.MethodPatch && !strings.HasSuffix(r.Path, "/status") {
			out = append(out, r)
		}
	}
	return out
}

func TestWatchResourceDeliversEvents(t *testing.T) {
	s := newServer(t)
	s.Create(widgetsGVR, newWidget("existing"))
	op := newOperator(t, s, nil)

	rec := &recorder{}
	if err := op.Start(context.Background(), watchWith([]resource.Registration{widgets}, rec)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, 1)

	w := s.Create(widgetsGVR, newWidget("new"))
	w.SetLabels(map[string]string{"color": "blue"})
	s.Update(widgetsGVR, w)
	s.Delete(widgetsGVR, "default", "new")

	got := rec.waitFor(t, 4)
	want := []string{
		"ADDED widgets.example.com/v1/default/existing@1",
		"ADDED widgets.example.com/v1/default/new@2",
		"MODIFIED widgets.example.com/v1/default/new@3",
		"DELETED widgets.example.com/v1/default/new@4",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchResourceUnknownCollection(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)

	unknown := resource.Registration{Group: "example.com", Version: "v1", Plural: "doodads"}
	err := op.Start(context.Background(), watchWith([]resource.Registration{unknown}, &recorder{}))
	if err == nil {
		t.Fatal("Start succeeded watching an unknown collection")
	}
	if !apierrors.IsNotFound(err) {
		t.Errorf("expected a NotFound error, got %v", err)
	}
	op.paths.mu.RLock()
	registered := len(op.paths.regs)
	op.paths.mu.RUnlock()
	if registered != 0 {
		t.Errorf("%d collections registered after the watch failed, want 0", registered)
	}
	if err := op.WatchResource(context.Background(), widgets, &recorder{}); !errors.Is(err, ErrStopped) {
		t.Errorf("WatchResource after failed start = %v, want ErrStopped", err)
	}
}

func TestWatchResourceBeforeStart(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)
	if err := op.WatchResource(context.Background(), widgets, &recorder{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("WatchResource() = %v, want ErrNotStarted", err)
	}
}

func TestStartTwice(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)
	if err := op.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := op.Start(context.Background(), nil); err == nil {
		t.Error("second Start succeeded")
	}
	op.Stop()
	if err := op.Start(context.Background(), nil); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop = %v, want ErrStopped", err)
	}
}

// stopAfterResponse stops the operator once the first response arrived, as
// a concurrent Stop would while a watch is being opened.
type stopAfterResponse struct {
	op   *Operator
	once sync.Once
}

func (s *stopAfterResponse) Transport() (http.RoundTripper, error) { return s, nil }

func (s *stopAfterResponse) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := http.DefaultTransport.RoundTrip(r)
	s.once.Do(s.op.Stop)
	return resp, err
}

func TestWatchResourceStoppedWhileOpening(t *testing.T) {
	s := newServer(t)
	creds := &stopAfterResponse{}
	op := newOperator(t, s, &Options{Credentials: creds})
	creds.op = op

	err := op.Start(context.Background(), watchWith([]resource.Registration{widgets}, &recorder{}))
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("Start() = %v, want ErrStopped", err)
	}

	done := make(chan error, 1)
	go func() { done <- op.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
	eventually(t, "watch to close", func() bool { return s.Watchers(widgetsGVR) == 0 })
}

func TestWatchResourceReconnects(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)

	before := testutil.ToFloat64(metrics.WatchReconnects.WithLabelValues(widgets.ID()))

	rec := &recorder{}
	if err := op.Start(context.Background(), watchWith([]resource.Registration{widgets}, rec)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Create(widgetsGVR, newWidget("a"))
	rec.waitFor(t, 1)

	s.CloseWatches()
	eventually(t, "watch to be re-established", func() bool { return s.Watchers(widgetsGVR) == 1 })

	s.Create(widgetsGVR, newWidget("b"))
	got := rec.waitFor(t, 3)
	if want := "ADDED widgets.example.com/v1/default/b@2"; got[len(got)-1] != want {
		t.Errorf("last event = %q, want %q", got[len(got)-1], want)
	}
	if diff := testutil.ToFloat64(metrics.WatchReconnects.WithLabelValues(widgets.ID())) - before; diff < 1 {
		t.Errorf("reconnects increased by %v, want at least 1", diff)
	}
}

func TestWatchResourceSkipsBadRecords(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)

	before := testutil.ToFloat64(metrics.WatchMalformedEvents.WithLabelValues(widgets.ID()))

	rec := &recorder{}
	if err := op.Start(context.Background(), watchWith([]resource.Registration{widgets}, rec)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	eventually(t, "watch to open", func() bool { return s.Watchers(widgetsGVR) == 1 })

	s.EmitRaw(widgetsGVR, `{"type":"ADDED","object":{"apiVersion":"example.com/v1"`)
	s.EmitRaw(widgetsGVR, `{"type":"ADDED","object":{"apiVersion":"example.com/v1","kind":"Widget","metadata":{"name":"no-rv"}}}`)
	s.Create(widgetsGVR, newWidget("good"))

	got := rec.waitFor(t, 1)
	if diff := cmp.Diff([]string{"ADDED widgets.example.com/v1/default/good@1"}, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if diff := testutil.ToFloat64(metrics.WatchMalformedEvents.WithLabelValues(widgets.ID())) - before; diff != 1 {
		t.Errorf("malformed events increased by %v, want 1", diff)
	}
}

func TestDispatchOrderAcrossWatches(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)

	rec := &recorder{fn: func(*resource.Event) error {
		time.Sleep(time.Millisecond)
		return nil
	}}
	regs := []resource.Registration{widgets, gadgets}
	if err := op.Start(context.Background(), watchWith(regs, rec)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := range 5 {
		s.Create(widgetsGVR, newWidget("w"+string(rune('a'+i))))
		s.Create(gadgetsGVR, newWidget("g"+string(rune('a'+i))))
	}
	rec.waitFor(t, 10)
	if rec.overlap.Load() {
		t.Error("handlers of different watches ran concurrently")
	}
}

func TestHandleResourceFinalizerRegisters(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)

	var reconciled atomic.Int32
	handler := EventHandlerFunc(func(ctx context.Context, ev *resource.Event) error {
		if done, err := op.HandleResourceFinalizer(ctx, ev, testFinalizer, nil); done {
			return err
		}
		reconciled.Add(1)
		return nil
	})
	if err := op.Start(context.Background(), watchWith([]resource.Registration{widgets}, handler)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.Create(widgetsGVR, newWidget("a"))
	eventually(t, "reconcile after finalizer was added", func() bool { return reconciled.Load() == 1 })

	got := patches(s)
	if len(got) != 1 {
		t.Fatalf("expected exactly one finalizer patch, got %d", len(got))
	}
	if got[0].Path != "/apis/example.com/v1/namespaces/default/widgets/a" {
		t.Errorf("patch path = %s", got[0].Path)
	}
	if got[0].ContentType != "application/merge-patch+json" {
		t.Errorf("patch content type = %s", got[0].ContentType)
	}
	var body map[string]any
	if err := json.Unmarshal(got[0].Body, &body); err != nil {
		t.Fatalf("decoding patch: %v", err)
	}
	want := map[string]any{"metadata": map[string]any{
		"finalizers":      []any{testFinalizer},
		"resourceVersion": "1",
	}}
	if diff := cmp.Diff(want, body); diff != "" {
		t.Errorf("patch body mismatch (-want +got):\n%s", diff)
	}
	if fs := s.Get(widgetsGVR, "default", "a").GetFinalizers(); !cmp.Equal(fs, []string{testFinalizer}) {
		t.Errorf("finalizers = %v", fs)
	}
}

func TestHandleResourceFinalizerRunsDeleteAction(t *testing.T) {
	s := newServer(t)
	s.Create(widgetsGVR, newWidget("a", testFinalizer))
	op := newOperator(t, s, nil)

	var deletes atomic.Int32
	cleanup := EventHandlerFunc(func(ctx context.Context, ev *resource.Event) error {
		deletes.Add(1)
		return nil
	})
	rec := &recorder{}
	handler := EventHandlerFunc(func(ctx context.Context, ev *resource.Event) error {
		rec.OnEvent(ctx, ev)
		_, err := op.HandleResourceFinalizer(ctx, ev, testFinalizer, cleanup)
		return err
	})
	if err := op.Start(context.Background(), watchWith([]resource.Registration{widgets}, handler)); err != nil {
		t.Fatalf("Start: %v", err)
	}
	rec.waitFor(t, 1)

	s.Delete(widgetsGVR, "default", "a")
	got := rec.waitFor(t, 3)
	if !strings.HasPrefix(got[2], "DELETED") {
		t.Errorf("last event = %q, want DELETED", got[2])
	}
	if n := deletes.Load(); n != 1 {
		t.Errorf("delete action ran %d times, want 1", n)
	}

	ps := patches(s)
	if len(ps) != 1 {
		t.Fatalf("expected one finalizer patch, got %d", len(ps))
	}
	if !strings.Contains(string(ps[0].Body), `"finalizers":[]`) {
		t.Errorf("patch body = %s, want an empty finalizer list", ps[0].Body)
	}
}

func TestHandleResourceFinalizerKeepsFinalizerOnFailure(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)
	op.paths.register(widgets)

	w := newWidget("a", testFinalizer)
	w.SetAPIVersion("example.com/v1")
	w.SetKind("Widget")
	w.SetResourceVersion("7")
	markDeleted(w)
	ev, err := resource.NewEvent("widgets", resource.Modified, w)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}

	boom := errors.New("boom")
	done, err := op.HandleResourceFinalizer(context.Background(), ev, testFinalizer, EventHandlerFunc(func(context.Context, *resource.Event) error {
		return boom
	}))
	if !done {
		t.Error("expected the event to be consumed")
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want %v", err, boom)
	}
	if n := len(s.Requests()); n != 0 {
		t.Errorf("expected no requests, got %d", n)
	}
}

func TestFinalizerState(t *testing.T) {
	live := newWidget("a")
	registered := newWidget("a", "other", testFinalizer)
	deleting := newWidget("a", testFinalizer)
	markDeleted(deleting)
	finalized := newWidget("a", "other")
	markDeleted(finalized)

	tests := []struct {
		name string
		ev   *resource.Event
		want finalizerState
	}{
		{"unregistered", &resource.Event{Type: resource.Added, Object: live}, finalizerUnregistered},
		{"registered", &resource.Event{Type: resource.Modified, Object: registered}, finalizerRegistered},
		{"finalizing", &resource.Event{Type: resource.Modified, Object: deleting}, finalizerFinalizing},
		{"finalized", &resource.Event{Type: resource.Modified, Object: finalized}, finalizerFinalized},
		{"deleted", &resource.Event{Type: resource.Deleted, Object: deleting}, finalizerIgnored},
		{"no object", &resource.Event{Type: resource.Added}, finalizerIgnored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := finalizerStateOf(tt.ev, testFinalizer); got != tt.want {
				t.Errorf("finalizerStateOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newServer(t)
	op := newOperator(t, s, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- op.Run(ctx, watchWith([]resource.Registration{widgets}, &recorder{}))
	}()
	eventually(t, "watch to open", func() bool { return s.Watchers(widgetsGVR) == 1 })

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	eventually(t, "watch to close", func() bool { return s.Watchers(widgetsGVR) == 0 })
}
