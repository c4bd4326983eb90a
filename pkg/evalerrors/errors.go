// Package evalerrors enumerates the error kinds visible at the evaluation
// boundary. Call sites wrap one of these sentinels with github.com/pkg/errors
// so that the kind survives errors.Is/errors.Cause while still carrying a
// human-readable, causally-chained message.
package evalerrors

import "errors"

var (
	// ErrInvalidPolicyID is returned when a policy identifier fails to parse.
	ErrInvalidPolicyID = errors.New("invalid policy id")

	// ErrPolicyNotFound is returned when a policy or group id has no
	// registered pre-instance.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrCannotRehydrate is returned when a Stack could not be created from
	// a PreInstance.
	ErrCannotRehydrate = errors.New("cannot rehydrate policy stack")

	// ErrInvalidSettings is returned when settings fail validate_settings.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrTimeout names a wall-clock timeout. No call site in this module
	// wraps it; epoch interruptions are reported as ErrEpochInterrupted.
	ErrTimeout = errors.New("evaluation timed out")

	// ErrEpochInterrupted is returned when a guest call runs past its epoch
	// deadline. It is a separate sentinel from ErrTimeout: errors.Is does
	// not match one against the other.
	ErrEpochInterrupted = errors.New("epoch deadline exceeded")

	// ErrGuestTrap is returned when the guest Wasm code traps for a reason
	// other than an epoch interruption.
	ErrGuestTrap = errors.New("guest trapped")

	// ErrHostCapabilityUnavailable names a Callback Bridge request that
	// cannot be served (no sender configured, shutdown in progress, or the
	// capability itself failed). The Bridge and its capabilities in
	// internal/callback reply with their own errors and do not wrap it.
	ErrHostCapabilityUnavailable = errors.New("host capability unavailable")

	// ErrContextAccessDenied names a guest request for a Kubernetes resource
	// kind outside of its allow-list. The Kubernetes list/get capabilities
	// in internal/callback reject such a request with their own
	// "access denied" error and do not wrap this sentinel.
	ErrContextAccessDenied = errors.New("context access denied")

	// ErrInternal names any other failure: decode failures, serialization
	// failures, programmer errors surfaced defensively. No call site in this
	// module wraps it; such failures carry their own messages.
	ErrInternal = errors.New("internal evaluation error")
)
