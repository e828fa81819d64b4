package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/metrics"
	"github.com/imjasonh/preview-operator/resource"
	"github.com/imjasonh/preview-operator/watch"
	"gomodules.xyz/jsonpatch/v2"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
)

// PathResolver maps a resource to its URL path on the API server.
type PathResolver interface {
	ResourcePath(meta resource.Meta) (string, error)
}

// StatusUpdater writes status subresources and finalizer lists outside of
// the watch stream. None of its methods return errors: failures are logged
// and reported through ok, and the next event for the resource retries.
type StatusUpdater struct {
	host  string
	creds watch.CredentialProvider
	paths PathResolver
}

// NewStatusUpdater returns a StatusUpdater for the API server at host.
func NewStatusUpdater(host string, creds watch.CredentialProvider, paths PathResolver) *StatusUpdater {
	return &StatusUpdater{host: host, creds: creds, paths: paths}
}

// SetStatus replaces the status subresource of meta with status.
func (u *StatusUpdater) SetStatus(ctx context.Context, meta resource.Meta, status any) (resource.Meta, bool) {
	return u.writeStatus(ctx, http.MethodPut, "application/json", meta, statusBody(meta, status))
}

// PatchStatus merge-patches the status subresource of meta with status.
func (u *StatusUpdater) PatchStatus(ctx context.Context, meta resource.Meta, status any) (resource.Meta, bool) {
	return u.writeStatus(ctx, http.MethodPatch, string(types.MergePatchType), meta, statusBody(meta, status))
}

// JSONPatchStatus sends the JSON patch operations that turn status from
// into status to. When there is nothing to change no request is made and
// meta is returned as is.
func (u *StatusUpdater) JSONPatchStatus(ctx context.Context, meta resource.Meta, from, to any) (resource.Meta, bool) {
	ops, err := statusPatch(from, to)
	if err != nil {
		clog.ErrorContext(ctx, "computing status patch", "resource", meta.String(), "error", err)
		return resource.Meta{}, false
	}
	if len(ops) == 0 {
		return meta, true
	}
	return u.writeStatus(ctx, http.MethodPatch, string(types.JSONPatchType), meta, ops)
}

// SetFinalizers replaces the finalizer list of meta. The resourceVersion of
// meta is sent along so a stale list is rejected with a conflict.
func (u *StatusUpdater) SetFinalizers(ctx context.Context, meta resource.Meta, finalizers []string) bool {
	if finalizers == nil {
		finalizers = []string{}
	}
	body := map[string]any{
		"metadata": map[string]any{
			"finalizers":      finalizers,
			"resourceVersion": meta.ResourceVersion(),
		},
	}
	_, ok := u.do(ctx, http.MethodPatch, string(types.MergePatchType), meta, "", body)
	return ok
}

func (u *StatusUpdater) writeStatus(ctx context.Context, method, contentType string, meta resource.Meta, body any) (resource.Meta, bool) {
	resp, ok := u.do(ctx, method, contentType, meta, "/status", body)
	if !ok {
		return resource.Meta{}, false
	}

	obj := &unstructured.Unstructured{}
	if err := obj.UnmarshalJSON(resp); err != nil {
		clog.ErrorContext(ctx, "decoding status response", "resource", meta.String(), "error", err)
		return resource.Meta{}, false
	}
	updated, err := resource.NewMetaWithID(meta.ID(), obj)
	if err != nil {
		clog.ErrorContext(ctx, "status response is not a valid resource", "resource", meta.String(), "error", err)
		return resource.Meta{}, false
	}
	return updated, true
}

// do sends body to the resource path of meta plus suffix and returns the
// response body of a 2xx response.
func (u *StatusUpdater) do(ctx context.Context, method, contentType string, meta resource.Meta, suffix string, body any) ([]byte, bool) {
	log := clog.FromContext(ctx).With("resource", meta.String(), "method", method)
	result := "error"
	defer func() {
		metrics.StatusRequests.WithLabelValues(meta.ID(), method, result).Inc()
	}()

	path, err := u.paths.ResourcePath(meta)
	if err != nil {
		log.ErrorContext(ctx, "resolving resource path", "error", err)
		return nil, false
	}
	data, err := json.Marshal(body)
	if err != nil {
		log.ErrorContext(ctx, "encoding request body", "error", err)
		return nil, false
	}
	rt, err := u.creds.Transport()
	if err != nil {
		log.ErrorContext(ctx, "resolving credentials", "error", err)
		return nil, false
	}

	req, err := http.NewRequestWithContext(ctx, method, u.host+path+suffix, bytes.NewReader(data))
	if err != nil {
		log.ErrorContext(ctx, "building request", "error", err)
		return nil, false
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := (&http.Client{Transport: rt}).Do(req)
	if err != nil {
		log.ErrorContext(ctx, "request failed", "error", err)
		return nil, false
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		log.ErrorContext(ctx, "reading response", "error", err)
		return nil, false
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.ErrorContext(ctx, "request rejected", "code", resp.StatusCode, "body", string(respBody))
		return nil, false
	}
	log.DebugContext(ctx, "request succeeded", "code", resp.StatusCode)
	result = "ok"
	return respBody, true
}

// statusBody is the object sent for status writes. It carries the
// resourceVersion so the API server can detect conflicting writers.
func statusBody(meta resource.Meta, status any) map[string]any {
	md := map[string]any{
		"name":            meta.Name(),
		"resourceVersion": meta.ResourceVersion(),
	}
	if meta.Namespace() != "" {
		md["namespace"] = meta.Namespace()
	}
	return map[string]any{
		"apiVersion": meta.APIVersion(),
		"kind":       meta.Kind(),
		"metadata":   md,
		"status":     status,
	}
}

func statusPatch(from, to any) ([]jsonpatch.JsonPatchOperation, error) {
	before := map[string]any{}
	if from != nil {
		before["status"] = from
	}
	a, err := json.Marshal(before)
	if err != nil {
		return nil, fmt.Errorf("encoding current status: %w", err)
	}
	b, err := json.Marshal(map[string]any{"status": to})
	if err != nil {
		return nil, fmt.Errorf("encoding desired status: %w", err)
	}
	return jsonpatch.CreatePatch(a, b)
}
