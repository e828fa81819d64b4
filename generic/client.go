package generic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chainguard-dev/clog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
)

// Client reads and deletes objects of a single resource, converting them
// to T. T is usually a typed API object such as *corev1.ConfigMap, or
// *unstructured.Unstructured for kinds without Go types.
type Client[T runtime.Object] interface {
	List(ctx context.Context, namespace string, opts metav1.ListOptions) ([]T, error)
	Get(ctx context.Context, namespace, name string) (T, error)
	Delete(ctx context.Context, namespace, name string) error

	// ListOwnedBy returns the objects in namespace that carry an owner
	// reference to owner.
	ListOwnedBy(ctx context.Context, namespace string, owner types.UID) ([]T, error)

	// DeleteOwnedBy deletes every object in namespace owned by owner and
	// returns how many were deleted. Objects that are already gone are not
	// an error.
	DeleteOwnedBy(ctx context.Context, namespace string, owner types.UID) (int, error)
}

// NewClient creates a client for gvr.
func NewClient[T runtime.Object](gvr schema.GroupVersionResource, config *rest.Config) (Client[T], error) {
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("creating dynamic client: %w", err)
	}
	return NewClientForInterface[T](gvr, dyn), nil
}

// NewClientForInterface creates a client for gvr on top of an existing
// dynamic client.
func NewClientForInterface[T runtime.Object](gvr schema.GroupVersionResource, dyn dynamic.Interface) Client[T] {
	return client[T]{gvr: gvr, dyn: dyn}
}

type client[T runtime.Object] struct {
	gvr schema.GroupVersionResource
	dyn dynamic.Interface
}

func (c client[T]) List(ctx context.Context, namespace string, opts metav1.ListOptions) ([]T, error) {
	ul, err := c.dyn.Resource(c.gvr).Namespace(namespace).List(ctx, opts)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(ul.Items))
	for _, u := range ul.Items {
		t, err := convert[T](&u)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (c client[T]) Get(ctx context.Context, namespace, name string) (T, error) {
	u, err := c.dyn.Resource(c.gvr).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		var zero T
		return zero, err
	}
	return convert[T](u)
}

func (c client[T]) Delete(ctx context.Context, namespace, name string) error {
	return c.dyn.Resource(c.gvr).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{})
}

func (c client[T]) ListOwnedBy(ctx context.Context, namespace string, owner types.UID) ([]T, error) {
	all, err := c.List(ctx, namespace, metav1.ListOptions{})
	if err != nil {
		return nil, err
	}
	var owned []T
	for _, obj := range all {
		m, err := objectMeta(obj)
		if err != nil {
			return nil, err
		}
		if IsOwnedBy(m, owner, false) {
			owned = append(owned, obj)
		}
	}
	return owned, nil
}

func (c client[T]) DeleteOwnedBy(ctx context.Context, namespace string, owner types.UID) (int, error) {
	owned, err := c.ListOwnedBy(ctx, namespace, owner)
	if err != nil {
		return 0, fmt.Errorf("listing %s owned by %s: %w", c.gvr.Resource, owner, err)
	}

	var errs []error
	deleted := 0
	for _, obj := range owned {
		m, _ := objectMeta(obj)
		err := c.Delete(ctx, m.GetNamespace(), m.GetName())
		switch {
		case apierrors.IsNotFound(err):
			clog.DebugContext(ctx, "owned object already gone", "resource", c.gvr.Resource, "name", m.GetName())
		case err != nil:
			errs = append(errs, fmt.Errorf("deleting %s %s/%s: %w", c.gvr.Resource, m.GetNamespace(), m.GetName(), err))
		default:
			clog.InfoContext(ctx, "deleted owned object", "resource", c.gvr.Resource, "namespace", m.GetNamespace(), "name", m.GetName())
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}

// convert turns u into a T by way of its JSON encoding.
func convert[T runtime.Object](u *unstructured.Unstructured) (T, error) {
	var t T
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(u.Object); err != nil {
		return t, err
	}
	if err := json.NewDecoder(&buf).Decode(&t); err != nil {
		return t, fmt.Errorf("decoding %s into %T: %w", u.GetKind(), t, err)
	}
	return t, nil
}
