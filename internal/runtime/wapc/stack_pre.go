package wapc

import (
	"context"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/wasmengine"
)

// StackPre is the waPC equivalent of wasmtime_provider::WasmtimeEngineProviderPre:
// a compiled module with every host import already linked, ready to
// rehydrate into many independent Stack values cheaply. Grounded on
// runtimes/wapc/stack_pre.rs.
type StackPre struct {
	engine     *wasmengine.Engine
	module     *wasmtime.Module
	linker     *wasmtime.Linker
	policyName string
}

// NewStackPre compiles wasmBytes against engine and links every waPC host
// import. Compilation and linking happen once per policy; rehydrating a
// Stack from the result only instantiates.
func NewStackPre(engine *wasmengine.Engine, wasmBytes []byte, policyName string) (*StackPre, error) {
	module, err := wasmtime.NewModule(engine.Inner(), wasmBytes)
	if err != nil {
		return nil, errors.Wrap(err, "cannot compile waPC guest module")
	}

	linker := wasmtime.NewLinker(engine.Inner())
	linker.AllowShadowing(true)

	pre := &StackPre{engine: engine, module: module, linker: linker, policyName: policyName}
	if err := pre.defineImports(); err != nil {
		return nil, err
	}

	return pre, nil
}

// Rehydrate instantiates a fresh Stack from the pre-linked module, owned
// exclusively by the caller until Close is called. deadlines is nil for
// ABIs that don't use epoch interruption (never the case for waPC, but
// kept optional for symmetry with the Rust StackPre::rehydrate API).
func (p *StackPre) Rehydrate(deadlines *wasmengine.EpochDeadlines, bridge callback.Bridge) (*Stack, error) {
	store := wasmtime.NewStore(p.engine.Inner())
	if deadlines != nil {
		store.SetEpochDeadline(deadlines.Init)
	}

	id := register(p.policyName)
	state := &callState{}

	store.SetData(&hostContext{bridge: bridge, state: state, ctx: context.Background()})

	instance, err := p.linker.Instantiate(store, p.module)
	if err != nil {
		deregister(id)
		return nil, errors.Wrap(err, "cannot instantiate waPC guest module")
	}

	guestCall := instance.GetFunc(store, "__guest_call")
	if guestCall == nil {
		deregister(id)
		return nil, errors.New("waPC guest module does not export __guest_call")
	}

	return &Stack{
		id:         id,
		pre:        p,
		store:      store,
		instance:   instance,
		guestCall:  guestCall,
		state:      state,
		bridge:     bridge,
		deadlines:  deadlines,
		policyName: p.policyName,
	}, nil
}

// hostContext is the store-scoped data wasmtime host functions recover via
// caller.GetData(), carrying the per-Stack Bridge and callState pointer.
type hostContext struct {
	bridge callback.Bridge
	state  *callState
	ctx    context.Context
}
