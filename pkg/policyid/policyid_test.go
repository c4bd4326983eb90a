package policyid

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ID
		wantErr bool
	}{
		{"standalone policy", "policy1", ID{Name: "policy1"}, false},
		{"group member", "group1/policy1", ID{Group: "group1", Name: "policy1"}, false},
		{"empty", "", ID{}, true},
		{"too many separators", "a/b/c", ID{}, true},
	}

	for _, test := range tests {
		got, err := Parse(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("%s: expected an error, got none", test.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", test.name, err)
			continue
		}
		if got != test.want {
			t.Errorf("%s: got %+v, want %+v", test.name, got, test.want)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	tests := []string{"policy1", "group1/policy1"}
	for _, raw := range tests {
		id, err := Parse(raw)
		if err != nil {
			t.Fatalf("Parse(%q): %v", raw, err)
		}
		if got := id.String(); got != raw {
			t.Errorf("String() = %q, want %q", got, raw)
		}
	}
}

func TestIsGroupMember(t *testing.T) {
	standalone, _ := Parse("policy1")
	if standalone.IsGroupMember() {
		t.Errorf("standalone policy should not be a group member")
	}

	member, _ := Parse("group1/policy1")
	if !member.IsGroupMember() {
		t.Errorf("group1/policy1 should be a group member")
	}
}
