// Package settings carries operator-supplied policy configuration: the
// free-form PolicySettings map handed to a Wasm guest's validate_settings
// and validate entry points, plus the PolicySpec envelope (mode, rules,
// mutation flag, selectors) an admission plugin registers a policy with.
package settings

import (
	"encoding/json"
	"io"

	admissionregistrationv1 "k8s.io/api/admissionregistration/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/yaml"

	"github.com/kubewarden/policy-evaluator/pkg/policymode"
)

// PolicySettings is an unordered mapping from string keys to arbitrary JSON
// values, immutable for the lifetime of a policy instance.
type PolicySettings map[string]interface{}

// MarshalToJSON serializes the settings the way a guest's validate /
// validate_settings entry point expects them: as a bare JSON object.
func (s PolicySettings) MarshalToJSON() ([]byte, error) {
	if s == nil {
		return json.Marshal(map[string]interface{}{})
	}
	return json.Marshal(map[string]interface{}(s))
}

// PolicySpec describes one policy instance as an operator would configure
// it: the Wasm module reference, its execution mode, its settings, and the
// Kubernetes admission rules/selectors it cares about.
type PolicySpec struct {
	// Module is the location of the Wasm module to be loaded. Can be a
	// local file (file://), a remote file served over HTTP(S), or an
	// artifact served by an OCI-compatible registry (registry://).
	Module string `json:"module,omitempty"`

	// Mode defaults to "protect" when empty.
	Mode *policymode.Mode `json:"mode,omitempty"`

	// Settings is a free-form object handed to the policy's settings
	// validation and validate entry points.
	Settings runtime.RawExtension `json:"settings,omitempty"`

	// Rules describes what operations on what resources/subresources the
	// policy cares about.
	Rules []admissionregistrationv1.RuleWithOperations `json:"rules"`

	// FailurePolicy defines how unrecognized errors and timeouts are
	// handled. Defaults to "Fail".
	FailurePolicy *admissionregistrationv1.FailurePolicyType `json:"failurePolicy,omitempty"`

	// Mutating indicates whether the policy may return a JSON patch.
	Mutating bool `json:"mutating"`

	// MatchPolicy is "Exact" or "Equivalent". Defaults to "Equivalent".
	MatchPolicy *admissionregistrationv1.MatchPolicyType `json:"matchPolicy,omitempty"`

	// NamespaceSelector/ObjectSelector default to the empty selector,
	// which matches everything.
	NamespaceSelector *metav1.LabelSelector `json:"namespaceSelector,omitempty"`
	ObjectSelector    *metav1.LabelSelector `json:"objectSelector,omitempty"`

	// ContextAwareResources is the allow-list of Kubernetes resource
	// classes the policy may read via the Callback Bridge.
	ContextAwareResources []ContextAwareResource `json:"contextAwareResources,omitempty"`
}

// ContextAwareResource identifies a Kubernetes resource class a policy is
// permitted to read.
type ContextAwareResource struct {
	APIVersion string `json:"apiVersion"`
	Kind       string `json:"kind"`
}

// Defaults fills in the zero-value fields of a PolicySpec the way the
// operator-facing API expects.
func (p *PolicySpec) Defaults() {
	if p.Mode == nil {
		protect := policymode.Protect
		p.Mode = &protect
	}

	if p.FailurePolicy == nil {
		fail := admissionregistrationv1.Fail
		p.FailurePolicy = &fail
	}

	if p.MatchPolicy == nil {
		equivalent := admissionregistrationv1.Equivalent
		p.MatchPolicy = &equivalent
	}

	if p.NamespaceSelector == nil {
		p.NamespaceSelector = &metav1.LabelSelector{}
	}

	if p.ObjectSelector == nil {
		p.ObjectSelector = &metav1.LabelSelector{}
	}
}

// ParsedSettings decodes the raw JSON carried by Settings into a
// PolicySettings map.
func (p *PolicySpec) ParsedSettings() (PolicySettings, error) {
	if len(p.Settings.Raw) == 0 {
		return PolicySettings{}, nil
	}
	var s PolicySettings
	if err := json.Unmarshal(p.Settings.Raw, &s); err != nil {
		return nil, err
	}
	return s, nil
}

// Document is the top-level configuration file: a download directory plus
// a map of policy name to PolicySpec, parsed from a YAML manifest.
type Document struct {
	PoliciesDownloadDir string                 `json:"policiesDownloadDir"`
	Policies            map[string]PolicySpec  `json:"policies"`
}

// ParseDocument reads a YAML settings document and applies defaults to
// every policy spec it contains.
func ParseDocument(r io.Reader) (Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Document{}, err
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Document{}, err
	}

	for name, policy := range doc.Policies {
		policy.Defaults()
		doc.Policies[name] = policy
	}

	return doc, nil
}
