package resource

import (
	"path"

	"k8s.io/apimachinery/pkg/runtime/schema"
)

// Registration names a collection of resources to watch.
type Registration struct {
	Group   string
	Version string
	Plural  string

	// Namespace limits the watch to one namespace. Empty watches all of them.
	Namespace string
}

// ForGVR returns a cluster-wide Registration for gvr.
func ForGVR(gvr schema.GroupVersionResource) Registration {
	return Registration{Group: gvr.Group, Version: gvr.Version, Plural: gvr.Resource}
}

// GroupVersionResource returns the GVR of the registration.
func (r Registration) GroupVersionResource() schema.GroupVersionResource {
	return schema.GroupVersionResource{Group: r.Group, Version: r.Version, Resource: r.Plural}
}

// APIVersion returns "<group>/<version>", or just "<version>" for the core group.
func (r Registration) APIVersion() string {
	return schema.GroupVersion{Group: r.Group, Version: r.Version}.String()
}

// ID returns "<plural>.<apiVersion>", the same id NewMeta derives for objects
// of this collection.
func (r Registration) ID() string {
	return r.Plural + "." + r.APIVersion()
}

// CollectionPath returns the path of the watched collection.
func (r Registration) CollectionPath() string {
	return collectionPath(r.Group, r.Version, r.Plural, r.Namespace)
}

// ResourcePath returns the path addressing the object identified by meta.
// The namespace comes from the object, not the registration, so that
// cluster-wide watches address namespaced objects correctly.
func (r Registration) ResourcePath(meta Meta) string {
	return path.Join(collectionPath(r.Group, r.Version, r.Plural, meta.Namespace()), meta.Name())
}

func collectionPath(group, version, plural, namespace string) string {
	p := "/apis/" + group + "/" + version
	if group == "" {
		p = "/api/" + version
	}
	if namespace != "" {
		p += "/namespaces/" + namespace
	}
	return p + "/" + plural
}
