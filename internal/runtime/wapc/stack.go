package wapc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	kwruntime "github.com/kubewarden/policy-evaluator/internal/runtime"
	"github.com/kubewarden/policy-evaluator/internal/wasmengine"
	"github.com/kubewarden/policy-evaluator/pkg/admission"
	"github.com/kubewarden/policy-evaluator/pkg/evalerrors"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// Stack is a rehydrated, single-evaluation waPC guest instance. It
// implements internal/runtime.Stack. Grounded on runtimes/wapc/stack.rs'
// WapcStack.
type Stack struct {
	id         uint64
	pre        *StackPre
	store      *wasmtime.Store
	instance   *wasmtime.Instance
	guestCall  *wasmtime.Func
	state      *callState
	bridge     callback.Bridge
	deadlines  *wasmengine.EpochDeadlines
	policyName string
}

// guestValidateRequest is the wire shape every waPC Kubewarden policy's
// validate entry point expects: the whole AdmissionRequest object, plus
// whatever settings the policy was registered with, flattened into a
// single JSON document (the Rust burrego/wapc guests both read settings
// back out of this same payload rather than a side channel).
type guestValidateRequest struct {
	Request  json.RawMessage `json:"request"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

type guestValidationResponse struct {
	Accepted bool            `json:"accepted"`
	Message  string          `json:"message,omitempty"`
	Code     int32           `json:"code,omitempty"`
	Mutation json.RawMessage `json:"mutated_object,omitempty"`
}

// Validate runs the waPC guest's "validate" export. See package doc for
// the ABI mechanics.
func (s *Stack) Validate(ctx context.Context, sett settings.PolicySettings, req kwruntime.ValidateRequest) (admission.Verdict, error) {
	settingsJSON, err := json.Marshal(sett)
	if err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot marshal policy settings")
	}

	payload, err := json.Marshal(guestValidateRequest{Request: req.Full, Settings: settingsJSON})
	if err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot marshal validate payload")
	}
	setRequestUID(s.id, req.UID)

	raw, err := s.call(ctx, "validate", payload)
	if err != nil {
		return admission.Verdict{}, err
	}

	var resp guestValidationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot decode waPC validate response")
	}

	var patch []byte
	if len(resp.Mutation) > 0 {
		patch = []byte(resp.Mutation)
	}
	return admission.Verdict{
		Allowed: resp.Accepted,
		Message: resp.Message,
		Code:    resp.Code,
		Patch:   patch,
	}, nil
}

type guestSettingsValidationResponse struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

// ValidateSettings runs the waPC guest's "validate_settings" export.
func (s *Stack) ValidateSettings(ctx context.Context, sett settings.PolicySettings) (kwruntime.SettingsValidationResponse, error) {
	payload, err := json.Marshal(sett)
	if err != nil {
		return kwruntime.SettingsValidationResponse{}, errors.Wrap(err, "cannot marshal policy settings")
	}

	raw, err := s.call(ctx, "validate_settings", payload)
	if err != nil {
		return kwruntime.SettingsValidationResponse{}, err
	}

	var resp guestSettingsValidationResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return kwruntime.SettingsValidationResponse{}, errors.Wrap(err, "cannot decode waPC validate_settings response")
	}
	return kwruntime.SettingsValidationResponse{Valid: resp.Valid, Message: resp.Message}, nil
}

// call is the shared __guest_call driver: stage the pending operation and
// payload, invoke the guest export, and read back whichever of
// __guest_response/__guest_error the guest called into during its run.
func (s *Stack) call(ctx context.Context, operation string, payload []byte) ([]byte, error) {
	if s.deadlines != nil {
		s.store.SetEpochDeadline(s.deadlines.Call)
	}
	s.store.GetData().(*hostContext).ctx = ctx
	s.state.reset(operation, payload)

	result, err := s.guestCall.Call(s.store, int32(len(operation)), int32(len(payload)))
	if err != nil {
		if isEpochTimeout(err) {
			if resetErr := s.reset(); resetErr != nil {
				return nil, errors.Wrap(resetErr, "epoch deadline exceeded and stack could not be reset")
			}
			return nil, errors.Wrapf(evalerrors.ErrEpochInterrupted, "[policy %s] %s", s.policyName, err.Error())
		}
		return nil, errors.Wrapf(evalerrors.ErrGuestTrap, "[policy %s] waPC guest_call failed: %s", s.policyName, err.Error())
	}

	code, ok := result.(int32)
	if !ok {
		return nil, errors.Errorf("[policy %s] waPC guest_call returned unexpected type %T", s.policyName, result)
	}
	if code == 0 {
		return nil, errors.Wrapf(evalerrors.ErrGuestTrap, "[policy %s] policy execution error: %s", s.policyName, string(s.state.errorPayload))
	}
	return s.state.responsePayload, nil
}

func isEpochTimeout(err error) bool {
	return strings.Contains(err.Error(), "epoch")
}

// reset provisions a fresh Store/Instance pair from the same StackPre and
// swaps it in, discarding whatever guest state the trapped instance held.
// Mirrors WapcStack::reset.
func (s *Stack) reset() error {
	fresh, err := s.pre.Rehydrate(s.deadlines, s.bridge)
	if err != nil {
		return err
	}
	deregister(s.id)

	s.id = fresh.id
	s.store = fresh.store
	s.instance = fresh.instance
	s.guestCall = fresh.guestCall
	s.state = fresh.state
	return nil
}

// Close deregisters the Stack. wasmtime.Store has no explicit Close; its
// resources are reclaimed by the Go garbage collector once unreferenced.
func (s *Stack) Close(ctx context.Context) error {
	deregister(s.id)
	return nil
}
