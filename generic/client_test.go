package generic

import (
	"context"
	"errors"
	"testing"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/rest"
	k8stesting "k8s.io/client-go/testing"
)

var configMapsGVR = schema.GroupVersionResource{Version: "v1", Resource: "configmaps"}

const ownerUID = types.UID("owner-uid")

func configMap(name string, owners ...types.UID) *corev1.ConfigMap {
	cm := &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: "preview",
		},
		Data: map[string]string{"name": name},
	}
	for _, uid := range owners {
		cm.OwnerReferences = append(cm.OwnerReferences, metav1.OwnerReference{
			APIVersion: "example.com/v1",
			Kind:       "Preview",
			Name:       "owner",
			UID:        uid,
		})
	}
	return cm
}

func newFakeClient(t *testing.T, objs ...runtime.Object) (*fake.FakeDynamicClient, Client[*corev1.ConfigMap]) {
	t.Helper()
	scheme := runtime.NewScheme()
	if err := corev1.AddToScheme(scheme); err != nil {
		t.Fatal(err)
	}
	dyn := fake.NewSimpleDynamicClient(scheme, objs...)
	return dyn, NewClientForInterface[*corev1.ConfigMap](configMapsGVR, dyn)
}

func TestNewClient(t *testing.T) {
	c, err := NewClient[*corev1.ConfigMap](configMapsGVR, &rest.Config{Host: "https://example.invalid"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if got := c.(client[*corev1.ConfigMap]).gvr; got != configMapsGVR {
		t.Errorf("expected GVR %v, got %v", configMapsGVR, got)
	}
}

func TestListAndGet(t *testing.T) {
	ctx := context.Background()
	_, c := newFakeClient(t, configMap("a"), configMap("b"))

	cms, err := c.List(ctx, "preview", metav1.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(cms) != 2 {
		t.Errorf("expected 2 configmaps, got %d", len(cms))
	}

	cm, err := c.Get(ctx, "preview", "b")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if cm.Name != "b" || cm.Data["name"] != "b" {
		t.Errorf("unexpected configmap: %+v", cm)
	}

	if _, err := c.Get(ctx, "preview", "missing"); !apierrors.IsNotFound(err) {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestUnstructuredClient(t *testing.T) {
	gvr := schema.GroupVersionResource{Group: "example.com", Version: "v1", Resource: "widgets"}
	w := &unstructured.Unstructured{}
	w.SetAPIVersion("example.com/v1")
	w.SetKind("Widget")
	w.SetNamespace("preview")
	w.SetName("w")
	w.SetOwnerReferences([]metav1.OwnerReference{{APIVersion: "example.com/v1", Kind: "Preview", Name: "owner", UID: ownerUID}})

	dyn := fake.NewSimpleDynamicClientWithCustomListKinds(runtime.NewScheme(), map[schema.GroupVersionResource]string{gvr: "WidgetList"}, w)
	c := NewClientForInterface[*unstructured.Unstructured](gvr, dyn)

	owned, err := c.ListOwnedBy(context.Background(), "preview", ownerUID)
	if err != nil {
		t.Fatalf("ListOwnedBy failed: %v", err)
	}
	if len(owned) != 1 || owned[0].GetName() != "w" {
		t.Errorf("unexpected owned objects: %v", owned)
	}
}

func TestDeleteOwnedBy(t *testing.T) {
	ctx := context.Background()
	_, c := newFakeClient(t,
		configMap("owned-1", ownerUID),
		configMap("owned-2", "someone-else", ownerUID),
		configMap("unrelated", "someone-else"),
		configMap("orphan"),
	)

	n, err := c.DeleteOwnedBy(ctx, "preview", ownerUID)
	if err != nil {
		t.Fatalf("DeleteOwnedBy failed: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted %d objects, want 2", n)
	}

	left, err := c.List(ctx, "preview", metav1.ListOptions{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	names := map[string]bool{}
	for _, cm := range left {
		names[cm.Name] = true
	}
	if len(names) != 2 || !names["unrelated"] || !names["orphan"] {
		t.Errorf("unexpected remaining configmaps: %v", names)
	}

	// Nothing left to delete.
	if n, err := c.DeleteOwnedBy(ctx, "preview", ownerUID); err != nil || n != 0 {
		t.Errorf("second DeleteOwnedBy() = %d, %v; want 0, nil", n, err)
	}
}

func TestDeleteOwnedByErrors(t *testing.T) {
	ctx := context.Background()
	dyn, c := newFakeClient(t, configMap("gone", ownerUID), configMap("stuck", ownerUID))

	boom := errors.New("boom")
	dyn.PrependReactor("delete", "configmaps", func(action k8stesting.Action) (bool, runtime.Object, error) {
		switch action.(k8stesting.DeleteAction).GetName() {
		case "gone":
			return true, nil, apierrors.NewNotFound(configMapsGVR.GroupResource(), "gone")
		case "stuck":
			return true, nil, boom
		}
		return false, nil, nil
	})

	n, err := c.DeleteOwnedBy(ctx, "preview", ownerUID)
	if n != 0 {
		t.Errorf("deleted %d objects, want 0", n)
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected error wrapping %v, got %v", boom, err)
	}

	dyn.PrependReactor("list", "configmaps", func(k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, boom
	})
	if _, err := c.DeleteOwnedBy(ctx, "preview", ownerUID); !errors.Is(err, boom) {
		t.Errorf("expected list error, got %v", err)
	}
}
