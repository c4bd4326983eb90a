package wapc

import (
	"testing"

	"github.com/kubewarden/policy-evaluator/internal/callback"
)

func TestRegistryRegisterDeregister(t *testing.T) {
	id := register("demo-policy")
	if id == 0 {
		t.Fatalf("expected a non-zero id")
	}

	reg, ok := lookup(id)
	if !ok {
		t.Fatalf("expected to find registration for id %d", id)
	}
	if reg.policyName != "demo-policy" {
		t.Errorf("policyName = %q, want %q", reg.policyName, "demo-policy")
	}

	setRequestUID(id, "req-123")
	reg, _ = lookup(id)
	if reg.requestUID != "req-123" {
		t.Errorf("requestUID = %q, want %q", reg.requestUID, "req-123")
	}

	deregister(id)
	if _, ok := lookup(id); ok {
		t.Errorf("expected registration to be gone after deregister")
	}
}

func TestActivePoliciesReflectsLiveRegistrations(t *testing.T) {
	idA := register("policy-a")
	idB := register("policy-b")
	defer deregister(idA)
	defer deregister(idB)

	names := ActivePolicies()
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	if !found["policy-a"] || !found["policy-b"] {
		t.Errorf("ActivePolicies() = %v, want it to contain policy-a and policy-b", names)
	}
}

func TestKindForKnownOperations(t *testing.T) {
	tests := []struct {
		namespace string
		operation string
		want      callback.Kind
	}{
		{"oci/v1", "manifest_digest", callback.KindOCIManifestDigest},
		{"crypto/v1", "verify_pub_keys", callback.KindVerifyPubKeys},
		{"crypto/v1", "verify_keyless", callback.KindVerifyKeyless},
		{"kubernetes/v1", "list_resources_by_namespace", callback.KindKubernetesList},
		{"kubernetes/v1", "get_resource", callback.KindKubernetesGet},
		{"kubernetes/v1", "can_i", callback.KindKubernetesCanI},
		{"net/v1", "dns_lookup_host", callback.KindDNSLookupHost},
	}

	for _, tt := range tests {
		got, ok := kindFor(tt.namespace, tt.operation)
		if !ok {
			t.Errorf("kindFor(%q, %q) reported unknown, want %s", tt.namespace, tt.operation, tt.want)
			continue
		}
		if got != tt.want {
			t.Errorf("kindFor(%q, %q) = %s, want %s", tt.namespace, tt.operation, got, tt.want)
		}
	}
}

func TestKindForUnknownOperation(t *testing.T) {
	if _, ok := kindFor("bogus/v1", "whatever"); ok {
		t.Errorf("expected kindFor to report unknown for an unmapped operation")
	}
}

func TestReadAtWriteAtRoundTrip(t *testing.T) {
	mem := make([]byte, 16)
	if err := writeAt(mem, 4, []byte("hi")); err != nil {
		t.Fatalf("writeAt: %v", err)
	}

	got, err := readAt(mem, 4, 2)
	if err != nil {
		t.Fatalf("readAt: %v", err)
	}
	if string(got) != "hi" {
		t.Errorf("readAt returned %q, want %q", got, "hi")
	}
}

func TestReadAtOutOfBounds(t *testing.T) {
	mem := make([]byte, 8)
	if _, err := readAt(mem, 4, 100); err == nil {
		t.Errorf("expected an out-of-bounds error")
	}
	if _, err := readAt(mem, -1, 2); err == nil {
		t.Errorf("expected an error for a negative pointer")
	}
}

func TestWriteAtOutOfBounds(t *testing.T) {
	mem := make([]byte, 8)
	if err := writeAt(mem, 6, []byte("toolong")); err == nil {
		t.Errorf("expected an out-of-bounds error")
	}
}

func TestFirstErr(t *testing.T) {
	if firstErr(nil, nil, nil) != nil {
		t.Errorf("expected nil when every error is nil")
	}
	sentinel := writeAt(make([]byte, 1), 5, []byte("x"))
	if firstErr(nil, sentinel, nil) != sentinel {
		t.Errorf("expected firstErr to return the first non-nil error")
	}
}

func TestCallStateReset(t *testing.T) {
	s := &callState{
		responsePayload: []byte("stale"),
		errorPayload:    []byte("stale"),
		hostResponse:    []byte("stale"),
		hostError:       []byte("stale"),
	}
	s.reset("validate", []byte(`{"a":1}`))

	if s.operation != "validate" {
		t.Errorf("operation = %q, want validate", s.operation)
	}
	if string(s.requestPayload) != `{"a":1}` {
		t.Errorf("requestPayload = %q", s.requestPayload)
	}
	if s.responsePayload != nil || s.errorPayload != nil || s.hostResponse != nil || s.hostError != nil {
		t.Errorf("reset should clear every stale field")
	}
}
