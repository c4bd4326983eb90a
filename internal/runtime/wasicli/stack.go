// Package wasicli implements the WASI/CLI runtime: policies compiled as
// ordinary WASI command-line programs, invoked once per evaluation with
// the request (or settings) JSON piped to stdin and argv selecting the
// operation, exactly as wasi_common::pipe-backed wasmtime-wasi does for
// the original. Grounded on
// runtimes/wasi_cli/{stack.rs,runtime.rs,wasi_pipe.rs,errors.rs}.
package wasicli

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	kwruntime "github.com/kubewarden/policy-evaluator/internal/runtime"
	"github.com/kubewarden/policy-evaluator/internal/wasmengine"
	"github.com/kubewarden/policy-evaluator/pkg/admission"
	"github.com/kubewarden/policy-evaluator/pkg/evalerrors"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

const argv0 = "policy.wasm"

// StackPre holds the compiled WASI guest module. There is nothing to
// pre-link: a WASI command is designed to run exactly once per process,
// so every Validate/ValidateSettings call below instantiates fresh rather
// than reusing a rehydrated instance -- mirroring Stack::run building a
// brand new Store and WasiCtx per invocation in the original.
type StackPre struct {
	engine     *wasmengine.Engine
	module     *wasmtime.Module
	policyName string
}

func NewStackPre(engine *wasmengine.Engine, wasmBytes []byte, policyName string) (*StackPre, error) {
	module, err := wasmtime.NewModule(engine.Inner(), wasmBytes)
	if err != nil {
		return nil, errors.Wrap(err, "cannot compile WASI guest module")
	}
	return &StackPre{engine: engine, module: module, policyName: policyName}, nil
}

// Rehydrate does no instantiation work of its own: see StackPre's comment.
// It exists only so wasicli.Stack satisfies the same
// PreInstance-&gt;rehydrate-&gt;Stack shape the wapc and rego adapters use.
func (p *StackPre) Rehydrate(deadlines *wasmengine.EpochDeadlines) (*Stack, error) {
	return &Stack{pre: p, deadlines: deadlines}, nil
}

// Stack runs a WASI policy module. Each call to run creates and discards
// its own Store, WasiConfig, and set of stdio pipes.
type Stack struct {
	pre       *StackPre
	deadlines *wasmengine.EpochDeadlines
}

type runResult struct {
	stdout []byte
	stderr []byte
}

// run instantiates the guest fresh, feeds input to its stdin, and
// executes _start under argv. Stdio is backed by real temp files: the
// wasmtime-go WasiConfig surface only accepts file paths (unlike
// wasmtime-rs's in-memory ReadPipe/WritePipe), so this adapter trades the
// original's in-memory pipes for a scratch directory cleaned up before
// returning.
func (s *Stack) run(ctx context.Context, input []byte, args []string) (runResult, error) {
	dir, err := ioutil.TempDir("", "kubewarden-wasicli-")
	if err != nil {
		return runResult{}, errors.Wrap(err, "cannot create scratch directory for WASI stdio")
	}
	defer os.RemoveAll(dir)

	stdinPath := filepath.Join(dir, "stdin")
	stdoutPath := filepath.Join(dir, "stdout")
	stderrPath := filepath.Join(dir, "stderr")

	if err := ioutil.WriteFile(stdinPath, input, 0o600); err != nil {
		return runResult{}, errors.Wrap(err, "cannot write WASI stdin")
	}

	wasiConfig := wasmtime.NewWasiConfig()
	wasiConfig.SetArgv(args)
	if err := wasiConfig.SetStdinFile(stdinPath); err != nil {
		return runResult{}, errors.Wrap(err, "cannot bind WASI stdin")
	}
	if err := wasiConfig.SetStdoutFile(stdoutPath); err != nil {
		return runResult{}, errors.Wrap(err, "cannot bind WASI stdout")
	}
	if err := wasiConfig.SetStderrFile(stderrPath); err != nil {
		return runResult{}, errors.Wrap(err, "cannot bind WASI stderr")
	}

	store := wasmtime.NewStore(s.pre.engine.Inner())
	store.SetWasi(wasiConfig)
	if s.deadlines != nil {
		store.SetEpochDeadline(s.deadlines.Call)
	}

	linker := wasmtime.NewLinker(s.pre.engine.Inner())
	if err := linker.DefineWasi(); err != nil {
		return runResult{}, errors.Wrap(err, "cannot define WASI imports")
	}

	instance, err := linker.Instantiate(store, s.pre.module)
	if err != nil {
		return runResult{}, errors.Wrap(err, "cannot instantiate WASI guest module")
	}

	start := instance.GetFunc(store, "_start")
	if start == nil {
		return runResult{}, errors.Errorf("policy %s does not export _start", s.pre.policyName)
	}

	_, callErr := start.Call(store)

	stderr, readErr := ioutil.ReadFile(stderrPath)
	if readErr != nil {
		stderr = nil
	}

	if callErr != nil {
		// A _start that calls proc_exit(0) returns here cleanly (wasmtime
		// treats that as normal completion, not a trap); anything else --
		// a non-zero proc_exit or a genuine trap -- surfaces as an error
		// here, so every non-nil callErr is a failed evaluation.
		if trap, ok := callErr.(*wasmtime.Trap); ok {
			if strings.Contains(trap.Message(), "epoch") {
				return runResult{}, errors.Wrapf(evalerrors.ErrEpochInterrupted, "policy %s: %s, stderr: %s", s.pre.policyName, trap.Message(), stderr)
			}
			return runResult{}, errors.Wrapf(evalerrors.ErrGuestTrap, "policy %s evaluation trapped: %s, stderr: %s", s.pre.policyName, trap.Message(), stderr)
		}
		return runResult{}, errors.Wrapf(evalerrors.ErrGuestTrap, "policy %s evaluation failed: %s, stderr: %s", s.pre.policyName, callErr.Error(), stderr)
	}

	stdout, err := ioutil.ReadFile(stdoutPath)
	if err != nil {
		return runResult{}, errors.Wrap(err, "cannot read WASI stdout")
	}
	return runResult{stdout: stdout, stderr: stderr}, nil
}

type validationParams struct {
	Request  json.RawMessage `json:"request"`
	Settings json.RawMessage `json:"settings"`
}

// policyValidationResponse mirrors kubewarden_policy_sdk::response::ValidationResponse.
type policyValidationResponse struct {
	Accepted      bool            `json:"accepted"`
	Message       *string         `json:"message,omitempty"`
	Code          *int32          `json:"code,omitempty"`
	MutatedObject json.RawMessage `json:"mutated_object,omitempty"`
}

func (s *Stack) Validate(ctx context.Context, sett settings.PolicySettings, req kwruntime.ValidateRequest) (admission.Verdict, error) {
	settingsJSON, err := sett.MarshalToJSON()
	if err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot marshal policy settings")
	}
	input, err := json.Marshal(validationParams{Request: req.Full, Settings: settingsJSON})
	if err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot marshal validation params")
	}

	result, err := s.run(ctx, input, []string{argv0, "validate"})
	if err != nil {
		return admission.Verdict{}, err
	}
	return decodeValidationResponse(result.stdout)
}

func decodeValidationResponse(stdout []byte) (admission.Verdict, error) {
	var pvr policyValidationResponse
	if err := json.Unmarshal(stdout, &pvr); err != nil {
		return admission.Verdict{}, errors.Wrap(err, "cannot decode policy validation response")
	}

	verdict := admission.Verdict{Allowed: pvr.Accepted}
	if pvr.Message != nil {
		verdict.Message = *pvr.Message
	}
	if pvr.Code != nil {
		verdict.Code = *pvr.Code
	}
	if len(pvr.MutatedObject) > 0 {
		verdict.Patch = []byte(pvr.MutatedObject)
	}
	return verdict, nil
}

type settingsValidationResponse struct {
	Valid   bool    `json:"valid"`
	Message *string `json:"message,omitempty"`
}

func (s *Stack) ValidateSettings(ctx context.Context, sett settings.PolicySettings) (kwruntime.SettingsValidationResponse, error) {
	settingsJSON, err := sett.MarshalToJSON()
	if err != nil {
		return kwruntime.SettingsValidationResponse{}, errors.Wrap(err, "cannot marshal policy settings")
	}

	result, err := s.run(ctx, settingsJSON, []string{argv0, "validate-settings"})
	if err != nil {
		return kwruntime.SettingsValidationResponse{Valid: false, Message: err.Error()}, nil
	}
	return decodeSettingsValidationResponse(result.stdout), nil
}

func decodeSettingsValidationResponse(stdout []byte) kwruntime.SettingsValidationResponse {
	var svr settingsValidationResponse
	if err := json.Unmarshal(stdout, &svr); err != nil {
		return kwruntime.SettingsValidationResponse{
			Valid:   false,
			Message: errors.Wrap(err, "cannot decode settings validation response").Error(),
		}
	}
	resp := kwruntime.SettingsValidationResponse{Valid: svr.Valid}
	if svr.Message != nil {
		resp.Message = *svr.Message
	}
	return resp
}

// Close is a no-op: every run() call already tears down its own Store and
// scratch directory before returning.
func (s *Stack) Close(ctx context.Context) error {
	return nil
}
