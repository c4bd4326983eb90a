package rego

import "testing"

func TestGatekeeperVerdictAllowsWhenNoViolations(t *testing.T) {
	v, err := gatekeeperVerdict(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Allowed {
		t.Errorf("expected allowed verdict, got %+v", v)
	}
}

func TestGatekeeperVerdictDeniesOnViolations(t *testing.T) {
	result := map[string]interface{}{
		"violation": []interface{}{
			map[string]interface{}{"msg": "image tag must not be latest"},
			map[string]interface{}{"msg": "missing required label"},
		},
	}
	v, err := gatekeeperVerdict(result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Allowed {
		t.Errorf("expected a denied verdict, got %+v", v)
	}
	want := "image tag must not be latest; missing required label"
	if v.Message != want {
		t.Errorf("message = %q, want %q", v.Message, want)
	}
}

func TestKubewardenStyleVerdictNilResultIsRejected(t *testing.T) {
	v, err := kubewardenStyleVerdict(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Allowed {
		t.Errorf("expected undefined entrypoint result to be treated as rejected")
	}
}

func TestKubewardenStyleVerdictDecodesAcceptedAndMutation(t *testing.T) {
	result := map[string]interface{}{
		"accepted":       true,
		"mutated_object": map[string]interface{}{"metadata": map[string]interface{}{"name": "patched"}},
	}
	v, err := kubewardenStyleVerdict(result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Allowed {
		t.Errorf("expected allowed verdict, got %+v", v)
	}
	if len(v.Patch) == 0 {
		t.Errorf("expected a mutation payload to survive decoding")
	}
}

func TestKubewardenStyleVerdictDeniedWithMessageAndCode(t *testing.T) {
	result := map[string]interface{}{
		"accepted": false,
		"message":  "image registry not allowed",
		"code":     float64(403),
	}
	v, err := kubewardenStyleVerdict(result)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Allowed {
		t.Errorf("expected denied verdict, got %+v", v)
	}
	if v.Message != "image registry not allowed" || v.Code != 403 {
		t.Errorf("verdict = %+v, want message=%q code=403", v, "image registry not allowed")
	}
}
