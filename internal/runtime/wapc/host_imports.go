package wapc

import (
	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// waPC's own module namespace for host-provided functions; every waPC
// guest SDK imports these nine functions under "wapc".
const wapcImportModule = "wapc"

func hostContextFor(caller *wasmtime.Caller) *hostContext {
	return caller.GetData().(*hostContext)
}

// defineImports links the nine waPC ABI host functions against p.linker.
// Every function recovers its Stack-scoped state via the Store's data
// (set in Rehydrate), so the same *StackPre can be rehydrated by many
// concurrent Stores without sharing mutable state between them.
func (p *StackPre) defineImports() error {
	fns := map[string]interface{}{
		"__guest_request": func(caller *wasmtime.Caller, opPtr, ptr int32) {
			hc := hostContextFor(caller)
			mem, err := memoryBytes(caller)
			if err != nil {
				klog.Errorf("waPC __guest_request: %v", err)
				return
			}
			if err := writeAt(mem, opPtr, []byte(hc.state.operation)); err != nil {
				klog.Errorf("waPC __guest_request operation write: %v", err)
			}
			if err := writeAt(mem, ptr, hc.state.requestPayload); err != nil {
				klog.Errorf("waPC __guest_request payload write: %v", err)
			}
		},
		"__guest_response": func(caller *wasmtime.Caller, ptr, len int32) {
			hc := hostContextFor(caller)
			mem, err := memoryBytes(caller)
			if err != nil {
				klog.Errorf("waPC __guest_response: %v", err)
				return
			}
			data, err := readAt(mem, ptr, len)
			if err != nil {
				klog.Errorf("waPC __guest_response read: %v", err)
				return
			}
			hc.state.responsePayload = data
		},
		"__guest_error": func(caller *wasmtime.Caller, ptr, len int32) {
			hc := hostContextFor(caller)
			mem, err := memoryBytes(caller)
			if err != nil {
				klog.Errorf("waPC __guest_error: %v", err)
				return
			}
			data, err := readAt(mem, ptr, len)
			if err != nil {
				klog.Errorf("waPC __guest_error read: %v", err)
				return
			}
			hc.state.errorPayload = data
		},
		"__host_call": func(caller *wasmtime.Caller, bdPtr, bdLen, nsPtr, nsLen, opPtr, opLen, ptr, payloadLen int32) int32 {
			hc := hostContextFor(caller)
			mem, err := memoryBytes(caller)
			if err != nil {
				klog.Errorf("waPC __host_call: %v", err)
				return 0
			}

			binding, err1 := readAt(mem, bdPtr, bdLen)
			namespace, err2 := readAt(mem, nsPtr, nsLen)
			operation, err3 := readAt(mem, opPtr, opLen)
			payload, err4 := readAt(mem, ptr, payloadLen)
			if err := firstErr(err1, err2, err3, err4); err != nil {
				hc.state.hostError = []byte(err.Error())
				return 0
			}

			resp, err := dispatchHostCall(hc.ctx, hc.bridge, string(binding), string(namespace), string(operation), payload)
			if err != nil {
				hc.state.hostError = []byte(err.Error())
				return 0
			}
			hc.state.hostResponse = resp
			return 1
		},
		"__host_response": func(caller *wasmtime.Caller, ptr int32) {
			hc := hostContextFor(caller)
			mem, err := memoryBytes(caller)
			if err != nil {
				klog.Errorf("waPC __host_response: %v", err)
				return
			}
			if err := writeAt(mem, ptr, hc.state.hostResponse); err != nil {
				klog.Errorf("waPC __host_response write: %v", err)
			}
		},
		"__host_response_len": func(caller *wasmtime.Caller) int32 {
			return int32(len(hostContextFor(caller).state.hostResponse))
		},
		"__host_error": func(caller *wasmtime.Caller, ptr int32) {
			hc := hostContextFor(caller)
			mem, err := memoryBytes(caller)
			if err != nil {
				klog.Errorf("waPC __host_error: %v", err)
				return
			}
			if err := writeAt(mem, ptr, hc.state.hostError); err != nil {
				klog.Errorf("waPC __host_error write: %v", err)
			}
		},
		"__host_error_len": func(caller *wasmtime.Caller) int32 {
			return int32(len(hostContextFor(caller).state.hostError))
		},
		"__console_log": func(caller *wasmtime.Caller, ptr, len int32) {
			mem, err := memoryBytes(caller)
			if err != nil {
				return
			}
			data, err := readAt(mem, ptr, len)
			if err != nil {
				return
			}
			klog.V(4).Infof("[policy %s] %s", p.policyName, string(data))
		},
	}

	for name, fn := range fns {
		if err := p.linker.FuncWrap(wapcImportModule, name, fn); err != nil {
			return errors.Wrapf(err, "cannot define waPC host import %q", name)
		}
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
