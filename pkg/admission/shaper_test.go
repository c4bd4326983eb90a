package admission

import (
	"encoding/json"
	"testing"

	admissionv1 "k8s.io/api/admission/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/kubewarden/policy-evaluator/pkg/policymode"
)

func TestShapeReviewAccept(t *testing.T) {
	request := &admissionv1.AdmissionRequest{UID: types.UID("u1")}
	verdict := Verdict{Allowed: true}

	response, err := ShapeReview(request, verdict, policymode.Protect, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.UID != "u1" {
		t.Errorf("expected uid to be copied through, got %q", response.UID)
	}
	if !response.Allowed {
		t.Errorf("expected the response to be allowed")
	}
	if response.Result == nil || response.Result.Code != 200 {
		t.Errorf("expected a default status code of 200, got %+v", response.Result)
	}
}

func TestShapeReviewPatchStrippedWhenMutationDisallowed(t *testing.T) {
	request := &admissionv1.AdmissionRequest{UID: types.UID("u2")}
	verdict := Verdict{Allowed: true, Patch: []byte(`[{"op":"add","path":"/foo","value":1}]`)}

	response, err := ShapeReview(request, verdict, policymode.Protect, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !response.Allowed {
		t.Errorf("expected the response to remain allowed")
	}
	if response.Patch != nil {
		t.Errorf("expected the patch to be stripped when mutation is disallowed, got %s", response.Patch)
	}
}

func TestShapeReviewPatchPreservedAndBase64Encoded(t *testing.T) {
	request := &admissionv1.AdmissionRequest{UID: types.UID("u3")}
	rawPatch := []byte(`[{"op":"add","path":"/foo","value":1}]`)
	verdict := Verdict{Allowed: true, Patch: rawPatch}

	response, err := ShapeReview(request, verdict, policymode.Protect, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.PatchType == nil || *response.PatchType != admissionv1.PatchTypeJSONPatch {
		t.Fatalf("expected patch type JSONPatch, got %+v", response.PatchType)
	}

	encoded, err := json.Marshal(response)
	if err != nil {
		t.Fatalf("unexpected error marshaling response: %v", err)
	}

	var decoded struct {
		Patch []byte `json:"patch"`
	}
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("unexpected error unmarshaling response: %v", err)
	}
	if string(decoded.Patch) != string(rawPatch) {
		t.Errorf("expected patch to round-trip through base64, got %s", decoded.Patch)
	}
}

func TestShapeReviewEpochTimeout(t *testing.T) {
	request := &admissionv1.AdmissionRequest{UID: types.UID("u4")}
	verdict := RejectEpochTimeout()

	response, err := ShapeReview(request, verdict, policymode.Protect, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.Allowed {
		t.Errorf("expected the response to be rejected")
	}
	if response.Result == nil || response.Result.Code != 504 {
		t.Errorf("expected status code 504, got %+v", response.Result)
	}
}

func TestShapeReviewMonitorModeRewritesRejection(t *testing.T) {
	request := &admissionv1.AdmissionRequest{UID: types.UID("u5")}
	verdict := Verdict{Allowed: false, Message: "nope"}

	response, err := ShapeReview(request, verdict, policymode.Monitor, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !response.Allowed {
		t.Errorf("expected monitor mode to force allowed=true")
	}
	if response.Result == nil || response.Result.Message != "nope" {
		t.Errorf("expected status.message to retain the original reason, got %+v", response.Result)
	}
	if response.AuditAnnotations[MonitorRejectionAnnotation] != "nope" {
		t.Errorf("expected a monitor-rejection audit annotation, got %+v", response.AuditAnnotations)
	}
}

func TestShapeRawDoesNotBase64EncodePatch(t *testing.T) {
	rawPatch := []byte(`[{"op":"add","path":"/foo","value":1}]`)
	verdict := Verdict{Allowed: true, Patch: rawPatch}

	response, err := ShapeRaw("raw-1", verdict, policymode.Protect, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(response.Patch) != string(rawPatch) {
		t.Errorf("expected the raw patch to be left as literal JSON, got %s", response.Patch)
	}
}

func TestShapeReviewMalformedPatch(t *testing.T) {
	request := &admissionv1.AdmissionRequest{UID: types.UID("u6")}
	verdict := Verdict{Allowed: true, Patch: []byte("not json")}

	if _, err := ShapeReview(request, verdict, policymode.Protect, true); err == nil {
		t.Fatal("expected an error for a malformed JSON patch")
	}
}
