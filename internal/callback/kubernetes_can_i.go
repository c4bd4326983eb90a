package callback

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	authorizationv1 "k8s.io/api/authorization/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// KubernetesCanIRequest is the payload of a kubernetes/v1/can_i call: a
// SubjectAccessReview-shaped question about whether the caller's service
// account may perform an action, not whether the resource type is
// allow-listed (can_i answers about permissions, list/get answer about
// data).
type KubernetesCanIRequest struct {
	APIGroup    string `json:"apiGroup,omitempty"`
	Resource    string `json:"resource"`
	Namespace   string `json:"namespace,omitempty"`
	Name        string `json:"name,omitempty"`
	Verb        string `json:"verb"`
	Subresource string `json:"subresource,omitempty"`
}

// KubernetesCanIResponse is its reply.
type KubernetesCanIResponse struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// KubernetesCanICapability answers kubernetes/v1/can_i via a
// SelfSubjectAccessReview issued as the process's own service account,
// since a Wasm guest has no identity of its own to impersonate.
type KubernetesCanICapability struct {
	client kubernetes.Interface
}

// NewKubernetesCanICapability builds the capability against client.
func NewKubernetesCanICapability(client kubernetes.Interface) *KubernetesCanICapability {
	return &KubernetesCanICapability{client: client}
}

func (c *KubernetesCanICapability) Kind() Kind { return KindKubernetesCanI }

func (c *KubernetesCanICapability) Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	var req KubernetesCanIRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, errors.Wrap(err, "cannot decode kubernetes can_i request")
	}

	review := &authorizationv1.SelfSubjectAccessReview{
		Spec: authorizationv1.SelfSubjectAccessReviewSpec{
			ResourceAttributes: &authorizationv1.ResourceAttributes{
				Namespace:   req.Namespace,
				Verb:        req.Verb,
				Group:       req.APIGroup,
				Resource:    req.Resource,
				Subresource: req.Subresource,
				Name:        req.Name,
			},
		},
	}

	result, err := c.client.AuthorizationV1().SelfSubjectAccessReviews().Create(ctx, review, metav1.CreateOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "cannot issue SelfSubjectAccessReview")
	}

	resp := KubernetesCanIResponse{Allowed: result.Status.Allowed, Reason: result.Status.Reason}
	return json.Marshal(resp)
}
