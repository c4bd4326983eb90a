package rego

import (
	"context"
	"encoding/json"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// regoContext is the Store-scoped data every OPA host import recovers via
// Caller.GetData(), mirroring wapc's hostContext. It carries the
// instance itself (needed to call back into the guest's own
// opa_json_dump/opa_malloc exports from inside a host-import callback,
// since opa_builtinN's arguments arrive as OPA-internal value addresses,
// not JSON) plus the builtin id-to-name table read from the guest once at
// Rehydrate time.
type regoContext struct {
	instance     *wasmtime.Instance
	builtinNames map[int32]string
	ctx          context.Context
}

func memoryBytes(caller *wasmtime.Caller) ([]byte, error) {
	export := caller.GetExport("memory")
	if export == nil || export.Memory() == nil {
		return nil, errors.New("OPA guest module does not export a memory instance")
	}
	return export.Memory().UnsafeData(caller), nil
}

func readAt(mem []byte, ptr, length int32) ([]byte, error) {
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(mem) {
		return nil, errors.New("OPA guest memory read out of bounds")
	}
	out := make([]byte, length)
	copy(out, mem[ptr:ptr+length])
	return out, nil
}

func readCString(mem []byte, ptr int32) ([]byte, error) {
	if ptr < 0 || int(ptr) > len(mem) {
		return nil, errors.New("OPA guest memory read out of bounds")
	}
	end := int(ptr)
	for end < len(mem) && mem[end] != 0 {
		end++
	}
	out := make([]byte, end-int(ptr))
	copy(out, mem[ptr:end])
	return out, nil
}

func writeAt(mem []byte, ptr int32, data []byte) error {
	if ptr < 0 || int(ptr)+len(data) > len(mem) {
		return errors.New("OPA guest memory write out of bounds")
	}
	copy(mem[ptr:], data)
	return nil
}

// decodeValueAddr converts an OPA-internal value at addr back into a
// serde_json-shaped Go value, by calling the guest's own opa_json_dump
// export (a reentrant call: we are already inside a guest export call
// when opa_builtinN invokes this).
func decodeValueAddr(caller *wasmtime.Caller, inst *wasmtime.Instance, addr int32) (interface{}, error) {
	dumpFn := inst.GetFunc(caller, "opa_json_dump")
	if dumpFn == nil {
		return nil, errors.New("OPA guest module does not export opa_json_dump")
	}
	result, err := dumpFn.Call(caller, addr)
	if err != nil {
		return nil, errors.Wrap(err, "opa_json_dump call failed")
	}
	strAddr, ok := result.(int32)
	if !ok {
		return nil, errors.Errorf("opa_json_dump returned unexpected type %T", result)
	}

	mem, err := memoryBytes(caller)
	if err != nil {
		return nil, err
	}
	raw, err := readCString(mem, strAddr)
	if err != nil {
		return nil, err
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, errors.Wrap(err, "cannot decode OPA value as JSON")
	}
	return value, nil
}

// encodeValue serializes value and loads it into the guest as a fresh
// OPA-internal value, returning its address. Used both to answer
// opa_builtinN calls and to seed eval's input/data documents.
func encodeValue(caller *wasmtime.Caller, inst *wasmtime.Instance, value interface{}) (int32, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, errors.Wrap(err, "cannot marshal value to JSON")
	}

	mallocFn := inst.GetFunc(caller, "opa_malloc")
	if mallocFn == nil {
		return 0, errors.New("OPA guest module does not export opa_malloc")
	}
	rawAddrResult, err := mallocFn.Call(caller, int32(len(data)))
	if err != nil {
		return 0, errors.Wrap(err, "opa_malloc call failed")
	}
	rawAddr, ok := rawAddrResult.(int32)
	if !ok {
		return 0, errors.Errorf("opa_malloc returned unexpected type %T", rawAddrResult)
	}

	mem, err := memoryBytes(caller)
	if err != nil {
		return 0, err
	}
	if err := writeAt(mem, rawAddr, data); err != nil {
		return 0, err
	}

	parseFn := inst.GetFunc(caller, "opa_json_parse")
	if parseFn == nil {
		return 0, errors.New("OPA guest module does not export opa_json_parse")
	}
	valueAddrResult, err := parseFn.Call(caller, rawAddr, int32(len(data)))
	if err != nil {
		return 0, errors.Wrap(err, "opa_json_parse call failed")
	}
	valueAddr, ok := valueAddrResult.(int32)
	if !ok {
		return 0, errors.Errorf("opa_json_parse returned unexpected type %T", valueAddrResult)
	}
	return valueAddr, nil
}

// defineImports builds a fresh Linker against store and links the host
// side of the OPA Wasm ABI: the guest-provided "env" memory import (Rego
// modules import rather than export their linear memory, which is why
// this adapter cannot link its imports once on a shared Linker the way the
// waPC adapter does and instead rebuilds the Linker on every Rehydrate), plus
// opa_abort, opa_println, and the opa_builtin0..opa_builtin4 family that
// dispatch by arity into the shared builtins table.
func (p *StackPre) defineImports(store *wasmtime.Store) (*wasmtime.Linker, error) {
	linker := wasmtime.NewLinker(p.engine.Inner())
	linker.AllowShadowing(true)

	memType := wasmtime.NewMemoryType(2, true, 160)
	memory, err := wasmtime.NewMemory(store, memType)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create OPA guest memory")
	}
	if err := linker.Define(opaImportModule, "memory", memory.AsExtern()); err != nil {
		return nil, errors.Wrap(err, "cannot define OPA guest memory import")
	}

	fns := map[string]interface{}{
		"opa_abort": func(caller *wasmtime.Caller, ptr int32) {
			mem, err := memoryBytes(caller)
			if err != nil {
				return
			}
			msg, _ := readCString(mem, ptr)
			klog.Errorf("[policy %s] OPA abort: %s", p.policyName, string(msg))
		},
		"opa_println": func(caller *wasmtime.Caller, ptr int32) {
			mem, err := memoryBytes(caller)
			if err != nil {
				return
			}
			msg, _ := readCString(mem, ptr)
			klog.V(4).Infof("[policy %s] %s", p.policyName, string(msg))
		},
		"opa_builtin0": func(caller *wasmtime.Caller, builtinID, ctx int32) int32 {
			return p.invokeBuiltin(caller, builtinID)
		},
		"opa_builtin1": func(caller *wasmtime.Caller, builtinID, ctx, a int32) int32 {
			return p.invokeBuiltin(caller, builtinID, a)
		},
		"opa_builtin2": func(caller *wasmtime.Caller, builtinID, ctx, a, b int32) int32 {
			return p.invokeBuiltin(caller, builtinID, a, b)
		},
		"opa_builtin3": func(caller *wasmtime.Caller, builtinID, ctx, a, b, c int32) int32 {
			return p.invokeBuiltin(caller, builtinID, a, b, c)
		},
		"opa_builtin4": func(caller *wasmtime.Caller, builtinID, ctx, a, b, c, d int32) int32 {
			return p.invokeBuiltin(caller, builtinID, a, b, c, d)
		},
	}

	for name, fn := range fns {
		if err := linker.FuncWrap(opaImportModule, name, fn); err != nil {
			return nil, errors.Wrapf(err, "cannot define OPA host import %q", name)
		}
	}
	return linker, nil
}

// opaImportModule is the module namespace every opa-compiled-to-wasm
// bundle imports its host functions under.
const opaImportModule = "env"

// invokeBuiltin decodes argAddrs via the guest's own value encoding,
// dispatches to the named Go builtin, and re-encodes the result as a
// fresh OPA value, returning its address. On any failure (unknown id,
// unsupported builtin, argument decoding, the builtin itself, result
// encoding) it logs the error and returns 0; it raises no trap and does
// not call opa_abort.
func (p *StackPre) invokeBuiltin(caller *wasmtime.Caller, builtinID int32, argAddrs ...int32) int32 {
	hc := caller.GetData().(*regoContext)

	name, ok := hc.builtinNames[builtinID]
	if !ok {
		klog.Errorf("[policy %s] unknown OPA builtin id %d", p.policyName, builtinID)
		return 0
	}
	fn, ok := builtins[name]
	if !ok {
		klog.Errorf("[policy %s] unsupported OPA builtin %q", p.policyName, name)
		return 0
	}

	args := make([]interface{}, 0, len(argAddrs))
	for _, addr := range argAddrs {
		value, err := decodeValueAddr(caller, hc.instance, addr)
		if err != nil {
			klog.Errorf("[policy %s] cannot decode argument for builtin %q: %v", p.policyName, name, err)
			return 0
		}
		args = append(args, value)
	}

	result, err := fn(args)
	if err != nil {
		klog.Errorf("[policy %s] builtin %q failed: %v", p.policyName, name, err)
		return 0
	}

	addr, err := encodeValue(caller, hc.instance, result)
	if err != nil {
		klog.Errorf("[policy %s] cannot encode result of builtin %q: %v", p.policyName, name, err)
		return 0
	}
	return addr
}
