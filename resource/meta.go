package resource

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// MalformedResourceError is returned when an object lacks one of the fields
// needed to address it.
type MalformedResourceError struct {
	// ID is the resource id the object was decoded for.
	ID string
	// Field is the first missing field, e.g. "metadata.resourceVersion".
	Field string
}

func (e *MalformedResourceError) Error() string {
	return fmt.Sprintf("malformed event object for %q: missing %s", e.ID, e.Field)
}

// Meta identifies a single revision of a resource.
type Meta struct {
	id              string
	name            string
	namespace       string
	resourceVersion string
	apiVersion      string
	kind            string
}

// NewMeta builds a Meta for an object served under the given plural name.
// The id is derived from the object's own apiVersion.
func NewMeta(plural string, obj *unstructured.Unstructured) (Meta, error) {
	var apiVersion string
	if obj != nil {
		apiVersion = obj.GetAPIVersion()
	}
	return NewMetaWithID(plural+"."+apiVersion, obj)
}

// NewMetaWithID builds a Meta with an explicit id.
func NewMetaWithID(id string, obj *unstructured.Unstructured) (Meta, error) {
	if obj == nil || obj.Object == nil {
		return Meta{}, &MalformedResourceError{ID: id, Field: "metadata"}
	}
	m := Meta{
		id:              id,
		name:            obj.GetName(),
		namespace:       obj.GetNamespace(),
		resourceVersion: obj.GetResourceVersion(),
		apiVersion:      obj.GetAPIVersion(),
		kind:            obj.GetKind(),
	}
	switch {
	case m.name == "":
		return Meta{}, &MalformedResourceError{ID: id, Field: "metadata.name"}
	case m.resourceVersion == "":
		return Meta{}, &MalformedResourceError{ID: id, Field: "metadata.resourceVersion"}
	case m.apiVersion == "":
		return Meta{}, &MalformedResourceError{ID: id, Field: "apiVersion"}
	case m.kind == "":
		return Meta{}, &MalformedResourceError{ID: id, Field: "kind"}
	}
	return m, nil
}

// ID returns "<plural>.<apiVersion>".
func (m Meta) ID() string { return m.id }

func (m Meta) Name() string { return m.name }

// Namespace is empty for cluster-scoped resources.
func (m Meta) Namespace() string { return m.namespace }

func (m Meta) ResourceVersion() string { return m.resourceVersion }

func (m Meta) APIVersion() string { return m.apiVersion }

func (m Meta) Kind() string { return m.kind }

// Key returns a key unique to the resource (not the revision) across all
// registered types.
func (m Meta) Key() string {
	if m.namespace == "" {
		return m.id + "/" + m.name
	}
	return m.id + "/" + m.namespace + "/" + m.name
}

// IsZero reports whether m was never successfully built.
func (m Meta) IsZero() bool { return m.id == "" && m.name == "" }

func (m Meta) String() string {
	return fmt.Sprintf("%s@%s", m.Key(), m.resourceVersion)
}
