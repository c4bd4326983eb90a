// Package metadata parses the io.kubewarden.metadata custom Wasm section
// that every Kubewarden-native (waPC) and WASI CLI policy must carry, and
// checks the declared minimum host version against this host's version
// (CheckMinimumVersion). The declared execution mode and protocol version
// are decoded but not checked here.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/blang/semver"
	"github.com/tetratelabs/wazero"
	"github.com/pkg/errors"
)

// ExecutionMode is the Wasm ABI a policy module declares it was compiled
// for.
type ExecutionMode string

const (
	ExecutionModeKubewardenWapc ExecutionMode = "kubewarden-wapc"
	ExecutionModeOPA            ExecutionMode = "opa"
	ExecutionModeGatekeeper     ExecutionMode = "gatekeeper"
	ExecutionModeWASI           ExecutionMode = "wasi"
)

// RequiresMetadataSection reports whether this ABI requires the
// io.kubewarden.metadata custom section to be present at all: only the
// Kubewarden-native waPC ABI and the WASI CLI ABI do; OPA and Gatekeeper
// modules carry no such section.
func (m ExecutionMode) RequiresMetadataSection() bool {
	return m == ExecutionModeKubewardenWapc || m == ExecutionModeWASI
}

// ContextAwareResource identifies a Kubernetes resource class.
type ContextAwareResource struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

// Rule mirrors the subset of Kubernetes admission rule fields a policy
// metadata section carries.
type Rule struct {
	APIGroups   []string `json:"apiGroups"`
	APIVersions []string `json:"apiVersions"`
	Resources   []string `json:"resources"`
	Operations  []string `json:"operations"`
}

// Metadata is the decoded io.kubewarden.metadata custom section.
type Metadata struct {
	ProtocolVersion       string                 `json:"protocolVersion,omitempty"`
	Annotations           map[string]string      `json:"annotations,omitempty"`
	Rules                 []Rule                 `json:"rules,omitempty"`
	Mutating              bool                   `json:"mutating,omitempty"`
	ContextAwareResources []ContextAwareResource `json:"contextAwareResources,omitempty"`
	ExecutionMode         ExecutionMode          `json:"executionMode,omitempty"`
}

// FromModuleBytes compiles module and extracts, then decodes, its
// io.kubewarden.metadata custom section. It returns (nil, nil) when the
// section is absent and abiHint does not require one.
func FromModuleBytes(ctx context.Context, moduleBytes []byte, abiHint ExecutionMode) (*Metadata, error) {
	runtime := wazero.NewRuntime(ctx)
	defer runtime.Close(ctx)

	compiled, err := runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, errors.Wrap(err, "cannot parse wasm module")
	}
	defer compiled.Close(ctx)

	var raw []byte
	for _, section := range compiled.CustomSections() {
		if section.Name() == CustomSectionName {
			raw = section.Data()
			break
		}
	}

	if raw == nil {
		if abiHint.RequiresMetadataSection() {
			return nil, errors.Errorf("policy module is missing the %s custom section, required for ABI %q", CustomSectionName, abiHint)
		}
		return nil, nil
	}

	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errors.Wrapf(err, "cannot deserialize custom section %q", CustomSectionName)
	}

	return &m, nil
}

// CheckMinimumVersion compares the minimum-kubewarden-version annotation
// (if any) declared by the policy against the version of this host.
func (m *Metadata) CheckMinimumVersion(hostVersion string) error {
	if m == nil || m.Annotations == nil {
		return nil
	}
	declared, ok := m.Annotations[AnnotationMinKwctlVersion]
	if !ok || declared == "" {
		return nil
	}

	declaredVer, err := semver.Parse(declared)
	if err != nil {
		return errors.Wrapf(err, "policy declares an invalid minimum version %q", declared)
	}
	hostVer, err := semver.Parse(hostVersion)
	if err != nil {
		return errors.Wrapf(err, "host declares an invalid version %q", hostVersion)
	}

	if declaredVer.GT(hostVer) {
		return fmt.Errorf("policy requires minimum host version %s, host is %s", declaredVer, hostVer)
	}
	return nil
}
