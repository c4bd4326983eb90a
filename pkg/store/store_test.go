package store

import (
	"path/filepath"
	"testing"
)

func TestPathForRegistryReference(t *testing.T) {
	got, err := PathFor("/var/lib/kubewarden/store", "registry://ghcr.io/kubewarden/tests/pod-privileged:v0.1.9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := filepath.Join("/var/lib/kubewarden/store", "registry", "ghcr.io", "kubewarden", "tests", "pod-privileged:v0.1.9")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPathForHTTPSReference(t *testing.T) {
	got, err := PathFor("/store", "https://example.com/path/to/policy.wasm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := filepath.Join("/store", "https", "example.com", "path", "to", "policy.wasm")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestPathForUnknownScheme(t *testing.T) {
	if _, err := PathFor("/store", "file:///tmp/policy.wasm"); err == nil {
		t.Fatal("expected an error for a non-remote scheme")
	}
}

func TestIsKnownRemoteScheme(t *testing.T) {
	for _, scheme := range []string{"http", "https", "registry"} {
		if !IsKnownRemoteScheme(scheme) {
			t.Errorf("expected %q to be a known remote scheme", scheme)
		}
	}
	if IsKnownRemoteScheme("file") {
		t.Errorf("did not expect %q to be a known remote scheme", "file")
	}
}

// base64Encoding is exercised directly since the Windows-only encoding path
// in encodeComponent/DecodeComponent is gated on runtime.GOOS.
func TestBase64EncodingRoundTrip(t *testing.T) {
	original := "example.com:1234"

	encoded := base64Encoding.EncodeToString([]byte(original))
	decoded, err := base64Encoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(decoded) != original {
		t.Errorf("got %q, want %q", decoded, original)
	}
}
