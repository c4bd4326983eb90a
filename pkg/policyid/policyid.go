// Package policyid implements the PolicyID identifier described in the
// evaluation core's data model: either the name of a standalone policy, or
// a group/name pair naming a member of a policy group.
package policyid

import (
	"fmt"
	"strings"
)

// ID identifies a policy, either standalone or as a member of a group.
type ID struct {
	Group string
	Name  string
}

// Parse splits a raw policy identifier on '/'. A single component is a
// standalone (or parent group) policy; two components name a member of a
// group. More than one separator is invalid.
func Parse(raw string) (ID, error) {
	if raw == "" {
		return ID{}, fmt.Errorf("not a valid policy ID: %q", raw)
	}

	parts := strings.Split(raw, "/")
	switch len(parts) {
	case 1:
		return ID{Name: parts[0]}, nil
	case 2:
		return ID{Group: parts[0], Name: parts[1]}, nil
	default:
		return ID{}, fmt.Errorf("not a valid policy ID: %q", raw)
	}
}

// IsGroupMember reports whether this ID names a member of a policy group.
func (id ID) IsGroupMember() bool {
	return id.Group != ""
}

// String round-trips the ID back to its "/"-separated wire form.
func (id ID) String() string {
	if id.IsGroupMember() {
		return id.Group + "/" + id.Name
	}
	return id.Name
}
