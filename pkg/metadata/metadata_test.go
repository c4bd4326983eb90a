package metadata

import (
	"context"
	"testing"
)

// minimalWasmWithCustomSection hand-encodes the smallest possible valid Wasm
// binary (magic + version, no other sections) carrying a single custom
// section with the given name and payload.
func minimalWasmWithCustomSection(t *testing.T, name string, payload []byte) []byte {
	t.Helper()

	var buf []byte
	buf = append(buf, 0x00, 0x61, 0x73, 0x6D) // magic "\0asm"
	buf = append(buf, 0x01, 0x00, 0x00, 0x00) // version 1

	var content []byte
	content = append(content, uleb128(uint32(len(name)))...)
	content = append(content, []byte(name)...)
	content = append(content, payload...)

	buf = append(buf, 0x00) // custom section id
	buf = append(buf, uleb128(uint32(len(content)))...)
	buf = append(buf, content...)

	return buf
}

func uleb128(v uint32) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func TestFromModuleBytesDecodesCustomSection(t *testing.T) {
	payload := []byte(`{"protocolVersion":"v1","executionMode":"kubewarden-wapc","mutating":true}`)
	module := minimalWasmWithCustomSection(t, CustomSectionName, payload)

	m, err := FromModuleBytes(context.Background(), module, ExecutionModeKubewardenWapc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m == nil {
		t.Fatal("expected metadata, got nil")
	}
	if m.ProtocolVersion != "v1" {
		t.Errorf("unexpected protocol version: %s", m.ProtocolVersion)
	}
	if m.ExecutionMode != ExecutionModeKubewardenWapc {
		t.Errorf("unexpected execution mode: %s", m.ExecutionMode)
	}
	if !m.Mutating {
		t.Errorf("expected mutating to be true")
	}
}

func TestFromModuleBytesMissingSectionRequiredABI(t *testing.T) {
	module := minimalWasmWithCustomSection(t, "some.other.section", []byte("{}"))

	_, err := FromModuleBytes(context.Background(), module, ExecutionModeWASI)
	if err == nil {
		t.Fatal("expected an error for a missing required metadata section")
	}
}

func TestFromModuleBytesMissingSectionOptionalABI(t *testing.T) {
	module := minimalWasmWithCustomSection(t, "some.other.section", []byte("{}"))

	m, err := FromModuleBytes(context.Background(), module, ExecutionModeOPA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m != nil {
		t.Errorf("expected nil metadata, got %+v", m)
	}
}

func TestCheckMinimumVersion(t *testing.T) {
	tests := []struct {
		name        string
		annotations map[string]string
		hostVersion string
		wantErr     bool
	}{
		{"no annotation", nil, "1.9.0", false},
		{"host newer", map[string]string{AnnotationMinKwctlVersion: "1.0.0"}, "1.9.0", false},
		{"host older", map[string]string{AnnotationMinKwctlVersion: "2.0.0"}, "1.9.0", true},
		{"malformed declared version", map[string]string{AnnotationMinKwctlVersion: "not-a-version"}, "1.9.0", true},
	}

	for _, test := range tests {
		m := &Metadata{Annotations: test.annotations}
		err := m.CheckMinimumVersion(test.hostVersion)
		if test.wantErr && err == nil {
			t.Errorf("%s: expected an error", test.name)
		}
		if !test.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
		}
	}
}
