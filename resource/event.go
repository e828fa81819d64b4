package resource

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/watch"
)

// EventType is the kind of change a watch record describes.
type EventType = watch.EventType

const (
	Added    EventType = watch.Added
	Modified EventType = watch.Modified
	Deleted  EventType = watch.Deleted
)

// Event is a single change to a resource, ready to be reconciled.
type Event struct {
	Meta   Meta
	Type   EventType
	Object *unstructured.Unstructured
}

// NewEvent validates obj and wraps it into an Event for the given plural.
func NewEvent(plural string, typ EventType, obj *unstructured.Unstructured) (*Event, error) {
	meta, err := NewMeta(plural, obj)
	if err != nil {
		return nil, err
	}
	return &Event{Meta: meta, Type: typ, Object: obj}, nil
}

// Decode converts the raw object of ev into a typed Go value, e.g.
// corev1.ConfigMap or a reconciler's own CR type.
func Decode[T any](ev *Event) (*T, error) {
	if ev == nil || ev.Object == nil {
		return nil, fmt.Errorf("no object to decode")
	}
	out := new(T)
	if err := runtime.DefaultUnstructuredConverter.FromUnstructured(ev.Object.Object, out); err != nil {
		return nil, fmt.Errorf("decoding %s into %T: %w", ev.Meta, out, err)
	}
	return out, nil
}
