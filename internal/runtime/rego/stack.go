package rego

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	kwruntime "github.com/kubewarden/policy-evaluator/internal/runtime"
	"github.com/kubewarden/policy-evaluator/internal/wasmengine"
	"github.com/kubewarden/policy-evaluator/pkg/admission"
	"github.com/kubewarden/policy-evaluator/pkg/evalerrors"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// Stack is a rehydrated, single-evaluation OPA/Gatekeeper guest instance.
// It implements internal/runtime.Stack. Grounded on runtimes/rego/stack.rs.
type Stack struct {
	pre       *StackPre
	store     *wasmtime.Store
	instance  *wasmtime.Instance
	hc        *regoContext
	deadlines *wasmengine.EpochDeadlines

	// contextData supplies the "data" document eval() is given; nil means
	// an empty object. internal/evaluator wires in a provider backed by
	// internal/contextaware's inventory tree or flat map for this policy.
	contextData func(ctx context.Context) (interface{}, error)
}

// SetContextDataProvider installs the function that supplies eval's data
// document. internal/evaluator calls it each time it rehydrates a Stack for
// a policy with a non-empty allow-list.
func (s *Stack) SetContextDataProvider(f func(ctx context.Context) (interface{}, error)) {
	s.contextData = f
}

func (s *Stack) exportedFunc(name string) (*wasmtime.Func, error) {
	fn := s.instance.GetFunc(s.store, name)
	if fn == nil {
		return nil, errors.Errorf("OPA guest module does not export %q", name)
	}
	return fn, nil
}

func (s *Stack) callInt32(name string, args ...interface{}) (int32, error) {
	fn, err := s.exportedFunc(name)
	if err != nil {
		return 0, err
	}
	result, err := fn.Call(s.store, args...)
	if err != nil {
		if isEpochTimeout(err) {
			return 0, errors.Wrapf(evalerrors.ErrEpochInterrupted, "%s call: %s", name, err.Error())
		}
		return 0, errors.Wrapf(evalerrors.ErrGuestTrap, "%s call failed: %s", name, err.Error())
	}
	v, ok := result.(int32)
	if !ok {
		return 0, errors.Errorf("%s returned unexpected type %T", name, result)
	}
	return v, nil
}

// isEpochTimeout reports whether err is the wasmtime trap raised when the
// epoch clock interrupts a guest call past its deadline. Mirrors
// internal/runtime/wapc's detection of the same wasmtime trap shape.
func isEpochTimeout(err error) bool {
	return strings.Contains(err.Error(), "epoch")
}

// loadBuiltinNames reads the guest's builtins() export once, populating
// hc.builtinNames with the id -> name table the opa_builtinN host
// functions consult.
func (s *Stack) loadBuiltinNames() error {
	addr, err := s.callInt32("builtins")
	if err != nil {
		// Older OPA wasm targets with no declared builtins omit this
		// export entirely; that's fine as long as no opa_builtinN call
		// ever arrives.
		return nil
	}

	// builtins() returns a heap value address like opa_eval_ctx_get_result
	// does, not a raw string pointer, so it must be dumped through
	// opa_json_dump before being readable.
	dumpFn, err := s.exportedFunc("opa_json_dump")
	if err != nil {
		return nil
	}
	strAddrResult, err := dumpFn.Call(s.store, addr)
	if err != nil {
		return errors.Wrap(err, "opa_json_dump(builtins()) call failed")
	}
	strAddr, ok := strAddrResult.(int32)
	if !ok {
		return errors.Errorf("opa_json_dump returned unexpected type %T", strAddrResult)
	}

	rawMem, err := memoryBytesFromStore(s.store, s.instance)
	if err != nil {
		return err
	}
	raw, err := readCString(rawMem, strAddr)
	if err != nil {
		return err
	}

	var byName map[string]string
	if err := json.Unmarshal(raw, &byName); err != nil {
		return errors.Wrap(err, "cannot decode builtins() table")
	}
	for idStr, name := range byName {
		id, err := strconv.Atoi(idStr)
		if err != nil {
			continue
		}
		s.hc.builtinNames[int32(id)] = name
	}
	return nil
}

// checkBuiltins rejects this Stack outright if the guest declares a
// dependency on a builtin this host does not implement, instead of
// failing lazily the first time the policy happens to invoke it.
func (s *Stack) checkBuiltins() error {
	for _, name := range s.hc.builtinNames {
		if _, ok := builtins[name]; !ok {
			return errors.Errorf("policy %s requires unsupported OPA builtin %q", s.pre.policyName, name)
		}
	}
	return nil
}

type opaInput struct {
	Request    json.RawMessage `json:"request"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// evalRaw drives one full eval() round trip and returns the decoded
// "result" field of the first result set, or nil if eval produced none
// (an undefined rule, which both OPA and Gatekeeper treat as "no
// violation found").
func (s *Stack) evalRaw(ctx context.Context, input, data interface{}) (interface{}, error) {
	if s.deadlines != nil {
		s.store.SetEpochDeadline(s.deadlines.Call)
	}
	s.hc.ctx = ctx

	inputAddr, err := s.loadJSON(input)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load eval input")
	}
	dataAddr, err := s.loadJSON(data)
	if err != nil {
		return nil, errors.Wrap(err, "cannot load eval data")
	}

	evalCtx, err := s.callInt32("opa_eval_ctx_new")
	if err != nil {
		return nil, err
	}
	if _, err := s.callVoid("opa_eval_ctx_set_input", evalCtx, inputAddr); err != nil {
		return nil, err
	}
	if _, err := s.callVoid("opa_eval_ctx_set_data", evalCtx, dataAddr); err != nil {
		return nil, err
	}
	if fn, err := s.exportedFunc("opa_eval_ctx_set_entrypoint"); err == nil {
		if _, err := fn.Call(s.store, evalCtx, s.pre.entrypointID); err != nil {
			return nil, errors.Wrap(err, "opa_eval_ctx_set_entrypoint call failed")
		}
	}

	rc, err := s.callInt32("eval", evalCtx)
	if err != nil {
		return nil, err
	}
	if rc != 0 {
		return nil, errors.Errorf("[policy %s] OPA eval() returned error code %d", s.pre.policyName, rc)
	}

	resultAddr, err := s.callInt32("opa_eval_ctx_get_result", evalCtx)
	if err != nil {
		return nil, err
	}

	dumpFn, err := s.exportedFunc("opa_json_dump")
	if err != nil {
		return nil, err
	}
	strAddrResult, err := dumpFn.Call(s.store, resultAddr)
	if err != nil {
		return nil, errors.Wrap(err, "opa_json_dump(result) call failed")
	}
	strAddr, ok := strAddrResult.(int32)
	if !ok {
		return nil, errors.Errorf("opa_json_dump returned unexpected type %T", strAddrResult)
	}

	mem, err := memoryBytesFromStore(s.store, s.instance)
	if err != nil {
		return nil, err
	}
	raw, err := readCString(mem, strAddr)
	if err != nil {
		return nil, err
	}

	var resultSets []struct {
		Result interface{} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resultSets); err != nil {
		return nil, errors.Wrap(err, "cannot decode eval() result sets")
	}
	if len(resultSets) == 0 {
		return nil, nil
	}
	return resultSets[0].Result, nil
}

func (s *Stack) loadJSON(value interface{}) (int32, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, err
	}
	rawAddr, err := s.callInt32("opa_malloc", int32(len(data)))
	if err != nil {
		return 0, err
	}
	mem, err := memoryBytesFromStore(s.store, s.instance)
	if err != nil {
		return 0, err
	}
	if err := writeAt(mem, rawAddr, data); err != nil {
		return 0, err
	}
	return s.callInt32("opa_json_parse", rawAddr, int32(len(data)))
}

func (s *Stack) callVoid(name string, args ...interface{}) (struct{}, error) {
	fn, err := s.exportedFunc(name)
	if err != nil {
		return struct{}{}, err
	}
	if _, err := fn.Call(s.store, args...); err != nil {
		if isEpochTimeout(err) {
			return struct{}{}, errors.Wrapf(evalerrors.ErrEpochInterrupted, "%s call: %s", name, err.Error())
		}
		return struct{}{}, errors.Wrapf(evalerrors.ErrGuestTrap, "%s call failed: %s", name, err.Error())
	}
	return struct{}{}, nil
}

// gatekeeperResult is the shape a Gatekeeper ConstraintTemplate's
// "violation" rule produces.
type gatekeeperResult struct {
	Violations []struct {
		Msg string `json:"msg"`
	} `json:"violation"`
}

// kubewardenStyleResult is the shape an OPA-mode policy's entrypoint
// produces, matching the waPC adapter's guestValidationResponse so both
// ABIs are interchangeable from the evaluator's point of view.
type kubewardenStyleResult struct {
	Accepted bool            `json:"accepted"`
	Message  string          `json:"message,omitempty"`
	Code     int32           `json:"code,omitempty"`
	Mutation json.RawMessage `json:"mutated_object,omitempty"`
}

// Validate runs the policy's Rego entrypoint and normalizes its result
// into the runtime-neutral Verdict shape.
func (s *Stack) Validate(ctx context.Context, sett settings.PolicySettings, req kwruntime.ValidateRequest) (admission.Verdict, error) {
	settingsJSON, err := sett.MarshalToJSON()
	if err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot marshal policy settings")
	}

	data, err := s.dataDocument(ctx)
	if err != nil {
		return admission.Verdict{}, err
	}

	result, err := s.evalRaw(ctx, opaInput{Request: req.Full, Parameters: settingsJSON}, data)
	if err != nil {
		return admission.Verdict{}, err
	}

	if s.pre.executionMode == ExecutionModeGatekeeper {
		return gatekeeperVerdict(result)
	}
	return kubewardenStyleVerdict(result)
}

func (s *Stack) dataDocument(ctx context.Context) (interface{}, error) {
	if s.contextData == nil {
		return map[string]interface{}{}, nil
	}
	return s.contextData(ctx)
}

func gatekeeperVerdict(result interface{}) (admission.Verdict, error) {
	if result == nil {
		return admission.Verdict{Allowed: true}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot re-marshal gatekeeper result")
	}
	var gr gatekeeperResult
	if err := json.Unmarshal(raw, &gr); err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot decode gatekeeper violation result")
	}
	if len(gr.Violations) == 0 {
		return admission.Verdict{Allowed: true}, nil
	}
	msgs := make([]string, 0, len(gr.Violations))
	for _, v := range gr.Violations {
		msgs = append(msgs, v.Msg)
	}
	return admission.Verdict{Allowed: false, Message: strings.Join(msgs, "; ")}, nil
}

func kubewardenStyleVerdict(result interface{}) (admission.Verdict, error) {
	if result == nil {
		return admission.Verdict{Allowed: false, Message: "policy produced no result"}, nil
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot re-marshal policy result")
	}
	var kr kubewardenStyleResult
	if err := json.Unmarshal(raw, &kr); err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot decode policy result")
	}
	var patch []byte
	if len(kr.Mutation) > 0 {
		patch = []byte(kr.Mutation)
	}
	return admission.Verdict{Allowed: kr.Accepted, Message: kr.Message, Code: kr.Code, Patch: patch}, nil
}

// ValidateSettings always reports settings as valid: Rego has no
// dedicated settings-validation entrypoint the way waPC policies do --
// the policy's own rules are the validation authority, and malformed
// settings simply make every rule evaluate to undefined.
func (s *Stack) ValidateSettings(ctx context.Context, sett settings.PolicySettings) (kwruntime.SettingsValidationResponse, error) {
	return kwruntime.SettingsValidationResponse{Valid: true}, nil
}

// Close is a no-op: wasmtime.Store resources are reclaimed by the Go
// garbage collector once unreferenced, and rego Stacks are not tracked in
// any registry the way waPC Stacks are.
func (s *Stack) Close(ctx context.Context) error {
	return nil
}

// memoryBytesFromStore is memoryBytes' equivalent for call sites that
// already hold a *wasmtime.Store + *wasmtime.Instance rather than a
// *wasmtime.Caller (every top-level driver in this file, as opposed to
// the host-import callbacks in abi.go).
func memoryBytesFromStore(store *wasmtime.Store, instance *wasmtime.Instance) ([]byte, error) {
	export := instance.GetExport(store, "memory")
	if export == nil || export.Memory() == nil {
		return nil, errors.New("OPA guest module does not export a memory instance")
	}
	return export.Memory().UnsafeData(store), nil
}
