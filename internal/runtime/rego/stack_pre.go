package rego

import (
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	"github.com/kubewarden/policy-evaluator/internal/wasmengine"
)

// ExecutionMode distinguishes a plain OPA policy (flat-map context-aware
// data, Kubewarden-shaped accepted/message/patch response) from a
// Gatekeeper ConstraintTemplate (inventory-tree context-aware data,
// violation-list response). Grounded on policy_evaluator::RegoPolicyExecutionMode.
type ExecutionMode int

const (
	ExecutionModeOPA ExecutionMode = iota
	ExecutionModeGatekeeper
)

// StackPre holds everything expensive to recompute across evaluations of
// one Rego policy: the compiled module and which entrypoint/execution
// mode it runs under. Unlike the waPC adapter it does not pre-link,
// because Rego modules import their linear memory from the host rather
// than exporting their own -- that memory lives on a wasmtime.Store, and
// wasmtime.InstancePre has no Store to attach it to. Grounded on
// runtimes/rego/stack_pre.rs.
type StackPre struct {
	engine        *wasmengine.Engine
	module        *wasmtime.Module
	entrypointID  int32
	executionMode ExecutionMode
	policyName    string
}

// NewStackPre compiles wasmBytes. entrypointID selects which OPA
// entrypoint (rule) eval() should invoke; it is taken as given from the
// caller and not checked against the policy's compiled-in entrypoint list.
func NewStackPre(engine *wasmengine.Engine, wasmBytes []byte, entrypointID int32, mode ExecutionMode, policyName string) (*StackPre, error) {
	module, err := wasmtime.NewModule(engine.Inner(), wasmBytes)
	if err != nil {
		return nil, errors.Wrap(err, "cannot compile OPA guest module")
	}
	return &StackPre{
		engine:        engine,
		module:        module,
		entrypointID:  entrypointID,
		executionMode: mode,
		policyName:    policyName,
	}, nil
}

// Mode reports which Rego flavor this pre-instance was compiled for,
// letting a caller choose between the OPA flat-map and Gatekeeper
// inventory-tree shapes of the context-aware `data` document without
// reaching into StackPre's unexported fields.
func (p *StackPre) Mode() ExecutionMode {
	return p.executionMode
}

// Rehydrate instantiates a fresh Stack: a new Store (and therefore a new
// linear memory), a freshly linked Linker, and the guest's builtins()
// table read back out once up front.
func (p *StackPre) Rehydrate(deadlines *wasmengine.EpochDeadlines) (*Stack, error) {
	store := wasmtime.NewStore(p.engine.Inner())
	if deadlines != nil {
		store.SetEpochDeadline(deadlines.Call)
	}

	hc := &regoContext{builtinNames: map[int32]string{}}
	store.SetData(hc)

	linker, err := p.defineImports(store)
	if err != nil {
		return nil, err
	}

	instance, err := linker.Instantiate(store, p.module)
	if err != nil {
		return nil, errors.Wrap(err, "cannot instantiate OPA guest module")
	}
	hc.instance = instance

	stack := &Stack{
		pre:       p,
		store:     store,
		instance:  instance,
		hc:        hc,
		deadlines: deadlines,
	}

	if err := stack.loadBuiltinNames(); err != nil {
		return nil, err
	}
	if err := stack.checkBuiltins(); err != nil {
		return nil, err
	}

	return stack, nil
}

