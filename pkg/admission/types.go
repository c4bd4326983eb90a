// Package admission carries the Kubernetes AdmissionReview wire envelope,
// the "raw" non-Kubernetes request shape, and the Admission Response Shaper
// that normalizes a guest's verdict into one or the other.
package admission

import (
	"encoding/json"

	admissionv1 "k8s.io/api/admission/v1"
)

// MonitorRejectionAnnotation is the audit annotation the shaper attaches
// when a Monitor-mode policy would have rejected the request.
const MonitorRejectionAnnotation = "kubewarden.io/monitor-rejection"

// Review is the Kubernetes AdmissionReview v1 request envelope.
type Review struct {
	Kind       string                        `json:"kind,omitempty"`
	APIVersion string                        `json:"apiVersion,omitempty"`
	Request    *admissionv1.AdmissionRequest `json:"request"`
}

// ReviewResponse is the Kubernetes AdmissionReview v1 response envelope.
type ReviewResponse struct {
	Kind       string                         `json:"kind,omitempty"`
	APIVersion string                         `json:"apiVersion,omitempty"`
	Response   *admissionv1.AdmissionResponse `json:"response"`
}

// NewReviewResponse wraps response the way a Kubernetes API server expects
// the reply to an AdmissionReview request to look.
func NewReviewResponse(response *admissionv1.AdmissionResponse) ReviewResponse {
	return ReviewResponse{
		APIVersion: "admission.k8s.io/v1",
		Kind:       "AdmissionReview",
		Response:   response,
	}
}

// RawRequest is the non-Kubernetes wire shape the evaluator also accepts:
// an arbitrary JSON value wrapped under "request", with no uid, kind, or
// apiVersion envelope to copy through.
type RawRequest struct {
	Request json.RawMessage `json:"request"`
}

// Status is the outgoing {code, message} pair the shaper attaches to a
// RawResponse. The Kubernetes-facing path uses metav1.Status instead, via
// admissionv1.AdmissionResponse.Result.
type Status struct {
	Code    int32  `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RawResponse mirrors admissionv1.AdmissionResponse's fields but leaves
// Patch as a literal JSON value instead of base64-encoding it, since only
// Kubernetes admission review responses require base64 patches.
type RawResponse struct {
	UID              string            `json:"uid,omitempty"`
	Allowed          bool              `json:"allowed"`
	Patch            json.RawMessage   `json:"patch,omitempty"`
	PatchType        string            `json:"patchType,omitempty"`
	Status           *Status           `json:"status,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	AuditAnnotations map[string]string `json:"auditAnnotations,omitempty"`
}

// Verdict is the runtime-neutral result of evaluating one policy against
// one request: what an adapter hands back before mode/mutation filtering
// and wire shaping are applied.
type Verdict struct {
	Allowed bool
	Message string
	// Code is the HTTP-style status the policy itself requested. Zero
	// means "let the shaper pick a default".
	Code int32
	// Patch is a raw RFC 6902 JSON Patch document, unencoded. Nil when
	// the policy made no mutation.
	Patch []byte
}
