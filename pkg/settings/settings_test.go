package settings

import (
	"strings"
	"testing"

	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"

	"github.com/kubewarden/policy-evaluator/pkg/policymode"
)

func TestPolicySpecDefaults(t *testing.T) {
	spec := PolicySpec{}
	spec.Defaults()

	if spec.Mode == nil || *spec.Mode != policymode.Protect {
		t.Errorf("expected default mode to be %q, got %+v", policymode.Protect, spec.Mode)
	}
	if spec.FailurePolicy == nil || *spec.FailurePolicy != admissionregistrationv1.Fail {
		t.Errorf("expected default failure policy to be Fail, got %+v", spec.FailurePolicy)
	}
	if spec.MatchPolicy == nil || *spec.MatchPolicy != admissionregistrationv1.Equivalent {
		t.Errorf("expected default match policy to be Equivalent, got %+v", spec.MatchPolicy)
	}
	if spec.NamespaceSelector == nil {
		t.Errorf("expected a non-nil namespace selector")
	}
	if spec.ObjectSelector == nil {
		t.Errorf("expected a non-nil object selector")
	}
}

func TestParseDocument(t *testing.T) {
	doc := `
policiesDownloadDir: /tmp/policies
policies:
  no-privileged:
    module: registry://ghcr.io/kubewarden/tests/pod-privileged:v0.1.9
    mutating: false
    rules:
      - apiGroups: [""]
        apiVersions: ["v1"]
        resources: ["pods"]
        operations: ["CREATE"]
`
	parsed, err := ParseDocument(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if parsed.PoliciesDownloadDir != "/tmp/policies" {
		t.Errorf("unexpected download dir: %s", parsed.PoliciesDownloadDir)
	}

	policy, ok := parsed.Policies["no-privileged"]
	if !ok {
		t.Fatalf("expected policy %q to be present", "no-privileged")
	}
	if policy.Mode == nil || *policy.Mode != policymode.Protect {
		t.Errorf("expected defaulted mode to be protect, got %+v", policy.Mode)
	}
}

func TestPolicySettingsMarshalToJSON(t *testing.T) {
	var nilSettings PolicySettings
	data, err := nilSettings.MarshalToJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != "{}" {
		t.Errorf("expected empty settings to marshal to {}, got %s", data)
	}

	populated := PolicySettings{"foo": "bar"}
	data, err = populated.MarshalToJSON()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"foo":"bar"}` {
		t.Errorf("unexpected JSON: %s", data)
	}
}
