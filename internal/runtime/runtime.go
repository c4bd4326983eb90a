// Package runtime defines the common contract every Wasm ABI adapter
// (waPC, Rego/OPA-and-Gatekeeper, WASI CLI) satisfies, mirroring the
// Runtime enum in runtimes.rs.
package runtime

import (
	"context"

	"github.com/kubewarden/policy-evaluator/pkg/admission"
	"github.com/kubewarden/policy-evaluator/pkg/metadata"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// ValidateRequest is the request an adapter validates: either a Kubernetes
// admission object or an arbitrary JSON value submitted through the raw
// wire shape.
type ValidateRequest struct {
	UID    string
	Object []byte // the request's .object (Kubernetes) or the raw value
	// Full is the entire request payload as the adapter's guest entry
	// point expects it (e.g. the whole AdmissionRequest for waPC, or
	// {"request": ...} for WASI CLI).
	Full []byte
}

// SettingsValidationResponse is the guest's verdict on whether the
// settings it was handed at registration time are acceptable.
type SettingsValidationResponse struct {
	Valid   bool
	Message string
}

// Stack is a rehydrated, single-evaluation instance of a policy: cheap to
// create from a PreInstance, exclusively owned by the evaluation that
// rehydrated it, and discarded afterward (or on an epoch interruption).
type Stack interface {
	// Validate runs the policy's validate entry point and returns the
	// runtime-neutral verdict the Admission Response Shaper consumes.
	Validate(ctx context.Context, s settings.PolicySettings, req ValidateRequest) (admission.Verdict, error)

	// ValidateSettings runs the policy's validate_settings entry point,
	// used once at registration time.
	ValidateSettings(ctx context.Context, s settings.PolicySettings) (SettingsValidationResponse, error)

	// Close releases any resources (guest instance, host bridge
	// registration) the Stack holds. It is always safe to call exactly
	// once after the last Validate/ValidateSettings call returns.
	Close(ctx context.Context) error
}

// ABI identifies which Wasm calling convention a policy module uses.
type ABI = metadata.ExecutionMode

const (
	ABIWapc       = metadata.ExecutionModeKubewardenWapc
	ABIOPA        = metadata.ExecutionModeOPA
	ABIGatekeeper = metadata.ExecutionModeGatekeeper
	ABIWasi       = metadata.ExecutionModeWASI
)
