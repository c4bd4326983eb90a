package callback

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// KubernetesListRequest is the payload of a kubernetes/v1/list call.
type KubernetesListRequest struct {
	APIVersion    string `json:"apiVersion"`
	Kind          string `json:"kind"`
	Namespace     string `json:"namespace,omitempty"`
	LabelSelector string `json:"labelSelector,omitempty"`
	FieldSelector string `json:"fieldSelector,omitempty"`
}

// KubernetesGetRequest is the payload of a kubernetes/v1/get call.
type KubernetesGetRequest struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
	Namespace  string `json:"namespace,omitempty"`
	Name       string `json:"name"`
}

// resourceAllowed reports whether {apiVersion, kind} is present in the
// policy's allow-list, checked synchronously before the request ever
// reaches the dynamic client.
func resourceAllowed(allowList []settings.ContextAwareResource, apiVersion, kind string) bool {
	for _, r := range allowList {
		if r.APIVersion == apiVersion && r.Kind == kind {
			return true
		}
	}
	return false
}

// gvrFor maps {apiVersion, kind} to a schema.GroupVersionResource using the
// naive plural-lowercase convention; callers needing exact REST mapping
// should use a discovery-backed RESTMapper instead. internal/contextaware's
// pluralName applies this same convention rather than a RESTMapper.
func gvrFor(apiVersion, kind string) schema.GroupVersionResource {
	gv, _ := schema.ParseGroupVersion(apiVersion)
	return gv.WithResource(pluralize(kind))
}

func pluralize(kind string) string {
	lower := []rune(kind)
	for i, r := range lower {
		if r >= 'A' && r <= 'Z' {
			lower[i] = r + ('a' - 'A')
		}
	}
	s := string(lower)
	if len(s) > 0 && s[len(s)-1] == 's' {
		return s + "es"
	}
	return s + "s"
}

// KubernetesCapability answers kubernetes/v1/{list,get} via a dynamic
// client, gated by each policy's ContextAwareResources allow-list.
type KubernetesCapability struct {
	kind      Kind
	client    dynamic.Interface
	allowList []settings.ContextAwareResource
}

// NewKubernetesListCapability builds the list-flavored capability.
func NewKubernetesListCapability(client dynamic.Interface, allowList []settings.ContextAwareResource) *KubernetesCapability {
	return &KubernetesCapability{kind: KindKubernetesList, client: client, allowList: allowList}
}

// NewKubernetesGetCapability builds the get-flavored capability.
func NewKubernetesGetCapability(client dynamic.Interface, allowList []settings.ContextAwareResource) *KubernetesCapability {
	return &KubernetesCapability{kind: KindKubernetesGet, client: client, allowList: allowList}
}

func (c *KubernetesCapability) Kind() Kind { return c.kind }

func (c *KubernetesCapability) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	switch c.kind {
	case KindKubernetesList:
		return c.handleList(ctx, payload)
	case KindKubernetesGet:
		return c.handleGet(ctx, payload)
	default:
		return nil, errors.Errorf("unsupported kubernetes capability kind: %s", c.kind)
	}
}

func (c *KubernetesCapability) handleList(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req KubernetesListRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "cannot decode kubernetes list request")
	}
	if !resourceAllowed(c.allowList, req.APIVersion, req.Kind) {
		return nil, errors.Errorf("access denied: %s/%s is not in the context-aware resource allow-list", req.APIVersion, req.Kind)
	}

	gvr := gvrFor(req.APIVersion, req.Kind)
	listOpts := metav1.ListOptions{LabelSelector: req.LabelSelector, FieldSelector: req.FieldSelector}

	var list *unstructured.UnstructuredList
	var err error
	if req.Namespace != "" {
		list, err = c.client.Resource(gvr).Namespace(req.Namespace).List(ctx, listOpts)
	} else {
		list, err = c.client.Resource(gvr).List(ctx, listOpts)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list %s/%s", req.APIVersion, req.Kind)
	}

	return json.Marshal(list.Items)
}

func (c *KubernetesCapability) handleGet(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req KubernetesGetRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "cannot decode kubernetes get request")
	}
	if !resourceAllowed(c.allowList, req.APIVersion, req.Kind) {
		return nil, errors.Errorf("access denied: %s/%s is not in the context-aware resource allow-list", req.APIVersion, req.Kind)
	}

	gvr := gvrFor(req.APIVersion, req.Kind)

	var obj *unstructured.Unstructured
	var err error
	if req.Namespace != "" {
		obj, err = c.client.Resource(gvr).Namespace(req.Namespace).Get(ctx, req.Name, metav1.GetOptions{})
	} else {
		obj, err = c.client.Resource(gvr).Get(ctx, req.Name, metav1.GetOptions{})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "cannot get %s/%s %q", req.APIVersion, req.Kind, req.Name)
	}

	return json.Marshal(obj)
}
