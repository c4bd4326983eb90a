package wasicli

import "testing"

func TestDecodeValidationResponseAccepted(t *testing.T) {
	v, err := decodeValidationResponse([]byte(`{"accepted":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Allowed {
		t.Errorf("expected allowed verdict, got %+v", v)
	}
}

func TestDecodeValidationResponseRejectedWithMessageAndCode(t *testing.T) {
	v, err := decodeValidationResponse([]byte(`{"accepted":false,"message":"nope","code":403}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Allowed || v.Message != "nope" || v.Code != 403 {
		t.Errorf("verdict = %+v, want allowed=false message=nope code=403", v)
	}
}

func TestDecodeValidationResponseWithMutation(t *testing.T) {
	v, err := decodeValidationResponse([]byte(`{"accepted":true,"mutated_object":{"metadata":{"name":"patched"}}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(v.Patch) == 0 {
		t.Errorf("expected mutated_object to survive as a patch payload")
	}
}

func TestDecodeValidationResponseInvalidJSON(t *testing.T) {
	if _, err := decodeValidationResponse([]byte("not json")); err == nil {
		t.Errorf("expected an error for invalid JSON")
	}
}

func TestDecodeSettingsValidationResponseValid(t *testing.T) {
	resp := decodeSettingsValidationResponse([]byte(`{"valid":true}`))
	if !resp.Valid {
		t.Errorf("expected valid response, got %+v", resp)
	}
}

func TestDecodeSettingsValidationResponseInvalidWithMessage(t *testing.T) {
	resp := decodeSettingsValidationResponse([]byte(`{"valid":false,"message":"bad settings"}`))
	if resp.Valid || resp.Message != "bad settings" {
		t.Errorf("resp = %+v, want valid=false message=%q", resp, "bad settings")
	}
}

func TestDecodeSettingsValidationResponseMalformedStdout(t *testing.T) {
	resp := decodeSettingsValidationResponse([]byte("not json"))
	if resp.Valid {
		t.Errorf("expected malformed stdout to be treated as invalid settings")
	}
	if resp.Message == "" {
		t.Errorf("expected a diagnostic message for malformed stdout")
	}
}
