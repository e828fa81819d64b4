// Package apiservertest provides an in-memory Kubernetes API server for
// tests. It serves watch streams, status subresources, merge and JSON
// patches, resourceVersion preconditions and deletion with finalizers,
// which is enough to drive an operator end to end without a cluster.
package apiservertest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
)

// Request is a non-watch request received by the Server.
type Request struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
}

// Server is a fake API server. The zero value is not usable; call New.
type Server struct {
	srv *httptest.Server

	mu          sync.Mutex
	rv          int64
	collections map[schema.GroupVersionResource]*collection
	requests    []Request
	failures    []failure
}

type collection struct {
	kind     string
	objects  map[string]*unstructured.Unstructured
	watchers map[*watcher]struct{}
}

type watcher struct {
	namespace string
	lines     chan []byte
	done      chan struct{}
}

type failure struct {
	match func(*http.Request) bool
	code  int
}

// New starts a Server. It is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{collections: make(map[schema.GroupVersionResource]*collection)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// URL returns the base URL of the server.
func (s *Server) URL() string { return s.srv.URL }

// Config returns a rest.Config pointing at the server with the given
// bearer token.
func (s *Server) Config(token string) *rest.Config {
	return &rest.Config{Host: s.srv.URL, BearerToken: token}
}

// Close ends every open watch and shuts the server down.
func (s *Server) Close() {
	s.CloseWatches()
	s.srv.Close()
}

// AddResource makes the collection gvr known to the server. Watches on
// unknown collections fail with 404.
func (s *Server) AddResource(gvr schema.GroupVersionResource, kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[gvr]; ok {
		return
	}
	s.collections[gvr] = &collection{
		kind:     kind,
		objects:  make(map[string]*unstructured.Unstructured),
		watchers: make(map[*watcher]struct{}),
	}
}

// Create stores obj with a fresh resourceVersion and notifies watchers.
func (s *Server) Create(gvr schema.GroupVersionResource, obj *unstructured.Unstructured) *unstructured.Unstructured {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.mustCollection(gvr)
	obj = obj.DeepCopy()
	if obj.GetKind() == "" {
		obj.SetKind(c.kind)
	}
	if obj.GetAPIVersion() == "" {
		obj.SetAPIVersion(gvr.GroupVersion().String())
	}
	s.store(c, obj, "ADDED")
	return obj.DeepCopy()
}

// Update replaces a stored object and notifies watchers with MODIFIED.
func (s *Server) Update(gvr schema.GroupVersionResource, obj *unstructured.Unstructured) *unstructured.Unstructured {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.mustCollection(gvr)
	obj = obj.DeepCopy()
	s.store(c, obj, "MODIFIED")
	return obj.DeepCopy()
}

// Delete deletes an object like the API server would: objects with
// finalizers only get a deletionTimestamp.
func (s *Server) Delete(gvr schema.GroupVersionResource, namespace, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.mustCollection(gvr)
	if obj, ok := c.objects[objectKey(namespace, name)]; ok {
		s.delete(c, obj)
	}
}

// Get returns a copy of a stored object, or nil.
func (s *Server) Get(gvr schema.GroupVersionResource, namespace, name string) *unstructured.Unstructured {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.mustCollection(gvr)
	obj, ok := c.objects[objectKey(namespace, name)]
	if !ok {
		return nil
	}
	return obj.DeepCopy()
}

// EmitRaw writes line verbatim to every watch on gvr.
func (s *Server) EmitRaw(gvr schema.GroupVersionResource, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.mustCollection(gvr).watchers {
		w.lines <- []byte(line)
	}
}

// CloseWatches ends every open watch stream, as an API server does when a
// watch times out.
func (s *Server) CloseWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.collections {
		for w := range c.watchers {
			close(w.done)
			delete(c.watchers, w)
		}
	}
}

// Watchers returns the number of open watches on gvr.
func (s *Server) Watchers(gvr schema.GroupVersionResource) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mustCollection(gvr).watchers)
}

// Requests returns every non-watch request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Fail makes every request matching match fail with code.
func (s *Server) Fail(match func(*http.Request) bool, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure{match: match, code: code})
}

func (s *Server) mustCollection(gvr schema.GroupVersionResource) *collection {
	c, ok := s.collections[gvr]
	if !ok {
		panic(fmt.Sprintf("apiservertest: unknown resource %s", gvr))
	}
	return c
}

// store must be called with s.mu held.
func (s *Server) store(c *collection, obj *unstructured.Unstructured, typ string) {
	s.rv++
	obj.SetResourceVersion(strconv.FormatInt(s.rv, 10))
	c.objects[objectKey(obj.GetNamespace(), obj.GetName())] = obj
	s.notify(c, typ, obj)
}

// delete must be called with s.mu held.
func (s *Server) delete(c *collection, obj *unstructured.Unstructured) {
	if len(obj.GetFinalizers()) > 0 {
		if obj.GetDeletionTimestamp() == nil {
			now := metav1.NewTime(time.Now())
			obj.SetDeletionTimestamp(&now)
			s.store(c, obj, "MODIFIED")
		}
		return
	}
	s.rv++
	obj.SetResourceVersion(strconv.FormatInt(s.rv, 10))
	delete(c.objects, objectKey(obj.GetNamespace(), obj.GetName()))
	s.notify(c, "DELETED", obj)
}

func (s *Server) notify(c *collection, typ string, obj *unstructured.Unstructured) {
	line := watchLine(typ, obj)
	for w := range c.watchers {
		if w.namespace == "" || w.namespace == obj.GetNamespace() {
			w.lines <- line
		}
	}
}

func watchLine(typ string, obj *unstructured.Unstructured) []byte {
	b, err := json.Marshal(map[string]any{"type": typ, "object": obj.Object})
	if err != nil {
		panic(err)
	}
	return b
}

func objectKey(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "/" + name
}

// route is a parsed resource URL.
type route struct {
	gvr         schema.GroupVersionResource
	namespace   string
	name        string
	subresource string
}

func parseRoute(p string) (route, bool) {
	segs := strings.Split(strings.Trim(p, "/"), "/")
	var r route
	switch {
	case len(segs) >= 3 && segs[0] == "api":
		r.gvr.Version, segs = segs[1], segs[2:]
	case len(segs) >= 4 && segs[0] == "apis":
		r.gvr.Group, r.gvr.Version, segs = segs[1], segs[2], segs[3:]
	default:
		return r, false
	}
	if len(segs) >= 3 && segs[0] == "namespaces" {
		r.namespace, segs = segs[1], segs[2:]
	}
	switch len(segs) {
	case 3:
		r.subresource = segs[2]
		fallthrough
	case 2:
		r.name = segs[1]
		fallthrough
	case 1:
		r.gvr.Resource = segs[0]
	default:
		return r, false
	}
	return r, true
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	rt, ok := parseRoute(r.URL.Path)
	if !ok {
		writeStatus(w, apierrors.NewNotFound(schema.GroupResource{}, r.URL.Path))
		return
	}

	if r.Method == http.MethodGet && rt.name == "" && r.URL.Query().Get("watch") == "true" {
		s.serveWatch(w, r, rt)
		return
	}

	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Body:        body,
	})
	for _, f := range s.failures {
		if f.match(r) {
			writeStatus(w, &apierrors.StatusError{ErrStatus: metav1.Status{
				Status:  metav1.StatusFailure,
				Code:    int32(f.code),
				Message: "injected failure",
			}})
			return
		}
	}

	gr := rt.gvr.GroupResource()
	c, ok := s.collections[rt.gvr]
	if !ok || rt.name == "" {
		writeStatus(w, apierrors.NewNotFound(gr, rt.name))
		return
	}
	obj, ok := c.objects[objectKey(rt.namespace, rt.name)]
	if !ok {
		writeStatus(w, apierrors.NewNotFound(gr, rt.name))
		return
	}

	switch {
	case r.Method == http.MethodGet && rt.subresource == "":
		writeObject(w, obj)
	case r.Method == http.MethodPut && rt.subresource == "status":
		s.replaceStatus(w, c, gr, obj, body)
	case r.Method == http.MethodPatch && (rt.subresource == "" || rt.subresource == "status"):
		s.patch(w, r, c, gr, obj, body, rt.subresource == "status")
	case r.Method == http.MethodDelete && rt.subresource == "":
		s.delete(c, obj)
		writeObject(w, obj)
	default:
		writeStatus(w, apierrors.NewMethodNotSupported(gr, r.Method))
	}
}

func (s *Server) serveWatch(w http.ResponseWriter, r *http.Request, rt route) {
	s.mu.Lock()
	c, ok := s.collections[rt.gvr]
	if !ok {
		s.mu.Unlock()
		writeStatus(w, apierrors.NewNotFound(rt.gvr.GroupResource(), ""))
		return
	}
	wt := &watcher{
		namespace: rt.namespace,
		lines:     make(chan []byte, 1024),
		done:      make(chan struct{}),
	}
	keys := make([]string, 0, len(c.objects))
	for k := range c.objects {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		if obj := c.objects[k]; rt.namespace == "" || obj.GetNamespace() == rt.namespace {
			wt.lines <- watchLine("ADDED", obj)
		}
	}
	c.watchers[wt] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(c.watchers, wt)
		s.mu.Unlock()
	}()

	flusher, _ := w.(http.Flusher)
	write := func(line []byte) {
		w.Write(line)
		w.Write([]byte("\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case line := <-wt.lines:
			write(line)
		case <-wt.done:
			for {
				select {
				case line := <-wt.lines:
					write(line)
				default:
					return
				}
			}
		}
	}
}

// replaceStatus must be called with s.mu held.
func (s *Server) replaceStatus(w http.ResponseWriter, c *collection, gr schema.GroupResource, obj *unstructured.Unstructured, body []byte) {
	in := &unstructured.Unstructured{}
	if err := in.UnmarshalJSON(body); err != nil {
		writeStatus(w, apierrors.NewBadRequest(err.Error()))
		return
	}
	if err := checkResourceVersion(gr, obj, in.GetResourceVersion()); err != nil {
		writeStatus(w, err)
		return
	}
	if status, ok := in.Object["status"]; ok {
		obj.Object["status"] = status
	} else {
		delete(obj.Object, "status")
	}
	s.store(c, obj, "MODIFIED")
	writeObject(w, obj)
}

// patch must be called with s.mu held.
func (s *Server) patch(w http.ResponseWriter, r *http.Request, c *collection, gr schema.GroupResource, obj *unstructured.Unstructured, body []byte, statusOnly bool) {
	current, err := obj.MarshalJSON()
	if err != nil {
		writeStatus(w, apierrors.NewInternalError(err))
		return
	}

	var patched []byte
	switch ct := r.Header.Get("Content-Type"); ct {
	case "application/merge-patch+json":
		var p struct {
			Metadata struct {
				ResourceVersion string `json:"resourceVersion"`
			} `json:"metadata"`
		}
		if err := json.Unmarshal(body, &p); err != nil {
			writeStatus(w, apierrors.NewBadRequest(err.Error()))
			return
		}
		if err := checkResourceVersion(gr, obj, p.Metadata.ResourceVersion); err != nil {
			writeStatus(w, err)
			return
		}
		patched, err = jsonpatch.MergePatch(current, body)
	case "application/json-patch+json":
		var ops jsonpatch.Patch
		ops, err = jsonpatch.DecodePatch(body)
		if err == nil {
			patched, err = ops.Apply(current)
		}
	default:
		writeStatus(w, apierrors.NewBadRequest(fmt.Sprintf("unsupported patch type %q", ct)))
		return
	}
	if err != nil {
		writeStatus(w, apierrors.NewBadRequest(fmt.Sprintf("applying patch: %v", err)))
		return
	}

	out := &unstructured.Unstructured{}
	if err := out.UnmarshalJSON(patched); err != nil {
		writeStatus(w, apierrors.NewBadRequest(err.Error()))
		return
	}
	if statusOnly {
		if status, ok := out.Object["status"]; ok {
			obj.Object["status"] = status
		} else {
			delete(obj.Object, "status")
		}
	} else {
		if _, ok := obj.Object["status"]; ok {
			out.Object["status"] = obj.Object["status"]
		} else {
			delete(out.Object, "status")
		}
		out.SetResourceVersion(obj.GetResourceVersion())
		out.SetDeletionTimestamp(obj.GetDeletionTimestamp())
		obj.Object = out.Object
	}

	if obj.GetDeletionTimestamp() != nil && len(obj.GetFinalizers()) == 0 {
		s.delete(c, obj)
	} else {
		s.store(c, obj, "MODIFIED")
	}
	writeObject(w, obj)
}

func checkResourceVersion(gr schema.GroupResource, obj *unstructured.Unstructured, rv string) error {
	if rv == "" || rv == obj.GetResourceVersion() {
		return nil
	}
	return apierrors.NewConflict(gr, obj.GetName(), fmt.Errorf("resourceVersion %s does not match %s", rv, obj.GetResourceVersion()))
}

func writeObject(w http.ResponseWriter, obj *unstructured.Unstructured) {
	b, err := obj.MarshalJSON()
	if err != nil {
		writeStatus(w, apierrors.NewInternalError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}

func writeStatus(w http.ResponseWriter, err error) {
	st := metav1.Status{Status: metav1.StatusFailure, Code: http.StatusInternalServerError, Message: err.Error()}
	if s, ok := err.(apierrors.APIStatus); ok {
		st = s.Status()
	}
	st.Kind = "Status"
	st.APIVersion = "v1"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(int(st.Code))
	json.NewEncoder(w).Encode(st)
}
