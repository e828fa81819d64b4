package generic

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
)

// IsOwnedBy reports whether obj has an owner reference to uid. With
// controllerOnly set, only a reference marked as the controller counts.
func IsOwnedBy(obj metav1.Object, uid types.UID, controllerOnly bool) bool {
	for _, ref := range obj.GetOwnerReferences() {
		if ref.UID != uid {
			continue
		}
		if controllerOnly && (ref.Controller == nil || !*ref.Controller) {
			continue
		}
		return true
	}
	return false
}

// objectMeta extracts metav1.Object from a runtime.Object
func objectMeta(obj runtime.Object) (metav1.Object, error) {
	if m, ok := obj.(metav1.Object); ok {
		return m, nil
	}

	// Try to get via accessor (handles wrapped objects)
	accessor, err := meta.Accessor(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata: %w", err)
	}
	return accessor, nil
}
