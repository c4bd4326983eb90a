package admission

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
	"github.com/pkg/errors"
	admissionv1 "k8s.io/api/admission/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/kubewarden/policy-evaluator/pkg/policymode"
)

// shape applies the policy-mode and mutation filters common to both wire
// shapes and returns the fields a caller assembles into its own envelope.
func shape(verdict Verdict, mode policymode.Mode, allowMutation bool) (allowed bool, patch []byte, status Status, audit map[string]string) {
	allowed = verdict.Allowed
	patch = verdict.Patch

	if !allowMutation {
		patch = nil
	}

	status = Status{Code: verdict.Code, Message: verdict.Message}
	if status.Code == 0 {
		if allowed {
			status.Code = 200
		} else {
			status.Code = 400
		}
	}

	if mode == policymode.Monitor && !allowed {
		audit = map[string]string{MonitorRejectionAnnotation: verdict.Message}
		allowed = true
		patch = nil
	}

	return allowed, patch, status, audit
}

// ShapeReview normalizes verdict into a Kubernetes admissionv1.AdmissionResponse:
// uid is copied from request, the patch (if any) is validated and left as a
// []byte so encoding/json base64-encodes it the way the Kubernetes API
// server requires.
func ShapeReview(request *admissionv1.AdmissionRequest, verdict Verdict, mode policymode.Mode, allowMutation bool) (*admissionv1.AdmissionResponse, error) {
	allowed, patch, status, audit := shape(verdict, mode, allowMutation)

	response := &admissionv1.AdmissionResponse{
		UID:     request.UID,
		Allowed: allowed,
		Result: &metav1.Status{
			Code:    status.Code,
			Message: status.Message,
		},
	}

	if len(audit) > 0 {
		response.AuditAnnotations = audit
	}

	if len(patch) > 0 {
		if _, err := jsonpatch.DecodePatch(patch); err != nil {
			return nil, errors.Wrap(err, "policy returned a malformed JSON patch")
		}
		patchType := admissionv1.PatchTypeJSONPatch
		response.Patch = patch
		response.PatchType = &patchType
	}

	return response, nil
}

// ShapeRaw normalizes verdict into a RawResponse: the non-Kubernetes wire
// shape, where patch is left as literal JSON rather than base64-encoded.
func ShapeRaw(uid string, verdict Verdict, mode policymode.Mode, allowMutation bool) (*RawResponse, error) {
	allowed, patch, status, audit := shape(verdict, mode, allowMutation)

	response := &RawResponse{
		UID:     uid,
		Allowed: allowed,
		Status:  &status,
	}

	if len(audit) > 0 {
		response.AuditAnnotations = audit
	}

	if len(patch) > 0 {
		if _, err := jsonpatch.DecodePatch(patch); err != nil {
			return nil, errors.Wrap(err, "policy returned a malformed JSON patch")
		}
		response.Patch = json.RawMessage(patch)
		response.PatchType = "JSONPatch"
	}

	return response, nil
}

// RejectInternalServerError builds the verdict the evaluator falls back to
// when a guest traps, a response fails to decode, or a host capability is
// unavailable: a rejection carrying the failure in status.message.
func RejectInternalServerError(message string) Verdict {
	return Verdict{Allowed: false, Code: 500, Message: message}
}

// RejectEpochTimeout builds the verdict returned when the epoch clock
// interrupts a policy that overran its deadline.
func RejectEpochTimeout() Verdict {
	return Verdict{Allowed: false, Code: 504, Message: "policy evaluation exceeded its deadline"}
}
