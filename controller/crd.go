package controller

import (
	"context"
	"fmt"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/imjasonh/preview-operator/resource"
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

// RegisterCustomResourceDefinition creates the CRD described by the YAML
// file and returns the registration of its storage version. A CRD that
// already exists is left untouched.
func (o *Operator) RegisterCustomResourceDefinition(ctx context.Context, file string) (resource.Registration, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return resource.Registration{}, fmt.Errorf("reading CRD: %w", err)
	}
	client, err := o.apiextensions()
	if err != nil {
		return resource.Registration{}, err
	}
	return RegisterCRD(ctx, client, data)
}

func (o *Operator) apiextensions() (apiextensionsclientset.Interface, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.crdClient != nil {
		return o.crdClient, nil
	}
	client, err := apiextensionsclientset.NewForConfig(o.config)
	if err != nil {
		return nil, fmt.Errorf("creating apiextensions client: %w", err)
	}
	o.crdClient = client
	return client, nil
}

// RegisterCRD creates the CRD in data (YAML or JSON) with client.
func RegisterCRD(ctx context.Context, client apiextensionsclientset.Interface, data []byte) (resource.Registration, error) {
	crd := &apiextensionsv1.CustomResourceDefinition{}
	if err := yaml.Unmarshal(data, crd); err != nil {
		return resource.Registration{}, fmt.Errorf("parsing CRD: %w", err)
	}
	if want := apiextensionsv1.SchemeGroupVersion.String(); crd.APIVersion != want {
		return resource.Registration{}, fmt.Errorf("invalid CRD: apiVersion %q, expected %q", crd.APIVersion, want)
	}
	reg, err := storageRegistration(crd)
	if err != nil {
		return resource.Registration{}, err
	}

	_, err = client.ApiextensionsV1().CustomResourceDefinitions().Create(ctx, crd, metav1.CreateOptions{})
	switch {
	case apierrors.IsAlreadyExists(err):
		clog.InfoContext(ctx, "CRD already exists", "name", crd.Name)
	case err != nil:
		return resource.Registration{}, fmt.Errorf("creating CRD %s: %w", crd.Name, err)
	default:
		clog.InfoContext(ctx, "created CRD", "name", crd.Name)
	}
	return reg, nil
}

func storageRegistration(crd *apiextensionsv1.CustomResourceDefinition) (resource.Registration, error) {
	if crd.Spec.Group == "" || crd.Spec.Names.Plural == "" {
		return resource.Registration{}, fmt.Errorf("invalid CRD %q: spec.group and spec.names.plural are required", crd.Name)
	}
	if len(crd.Spec.Versions) == 0 {
		return resource.Registration{}, fmt.Errorf("invalid CRD %q: no versions", crd.Name)
	}
	version := crd.Spec.Versions[0].Name
	for _, v := range crd.Spec.Versions {
		if v.Storage {
			version = v.Name
			break
		}
	}
	return resource.Registration{
		Group:   crd.Spec.Group,
		Version: version,
		Plural:  crd.Spec.Names.Plural,
	}, nil
}
