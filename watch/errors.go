package watch

import (
	"encoding/json"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// StatusError converts a non-2xx response into an API status error, so that
// callers can use the apimachinery predicates (apierrors.IsNotFound, ...).
// The body is used as-is when it is a metav1.Status.
func StatusError(code int, verb string, body []byte) error {
	var status metav1.Status
	if err := json.Unmarshal(body, &status); err == nil && status.Kind == "Status" {
		if status.Code == 0 {
			status.Code = int32(code)
		}
		return &apierrors.StatusError{ErrStatus: status}
	}
	return apierrors.NewGenericServerResponse(code, verb, schema.GroupResource{}, "", string(body), 0, true)
}
