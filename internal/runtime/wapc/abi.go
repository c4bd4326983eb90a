package wapc

import (
	"context"
	"encoding/json"

	"github.com/bytecodealliance/wasmtime-go"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/kubewarden/policy-evaluator/internal/callback"
)

// callState is the per-guest-call scratch space the waPC host imports read
// and write through. It is reset before every __guest_call invocation and
// is never shared across concurrent calls on the same Stack (a Stack is
// exclusively owned by the evaluation that rehydrated it).
type callState struct {
	operation      string
	requestPayload []byte

	responsePayload []byte
	errorPayload    []byte

	hostResponse []byte
	hostError    []byte
}

func (s *callState) reset(operation string, payload []byte) {
	s.operation = operation
	s.requestPayload = payload
	s.responsePayload = nil
	s.errorPayload = nil
	s.hostResponse = nil
	s.hostError = nil
}

// memoryBytes returns the live, directly-addressable backing array of the
// guest's exported "memory", re-fetched on every access since wasmtime may
// move the backing allocation across calls that grow memory.
func memoryBytes(caller *wasmtime.Caller) ([]byte, error) {
	export := caller.GetExport("memory")
	if export == nil || export.Memory() == nil {
		return nil, errors.New("waPC guest module does not export a memory instance")
	}
	return export.Memory().UnsafeData(caller), nil
}

func writeAt(mem []byte, ptr int32, data []byte) error {
	if ptr < 0 || int(ptr)+len(data) > len(mem) {
		return errors.New("waPC guest memory write out of bounds")
	}
	copy(mem[ptr:], data)
	return nil
}

func readAt(mem []byte, ptr, length int32) ([]byte, error) {
	if ptr < 0 || length < 0 || int(ptr)+int(length) > len(mem) {
		return nil, errors.New("waPC guest memory read out of bounds")
	}
	out := make([]byte, length)
	copy(out, mem[ptr:ptr+length])
	return out, nil
}

// kindFor maps a waPC (binding, namespace, operation) triple to the
// callback.Kind it corresponds to. binding is conventionally "kubewarden"
// for every capability Kubewarden policies use; namespace/operation carry
// the actual routing, e.g. ("kubewarden", "oci/v1", "manifest_digest").
func kindFor(namespace, operation string) (callback.Kind, bool) {
	switch namespace + "/" + operation {
	case "oci/v1/manifest_digest", "oci/v1/oci_manifest_digest":
		return callback.KindOCIManifestDigest, true
	case "crypto/v1/verify_pub_keys", "verification/v1/verify_pub_keys":
		return callback.KindVerifyPubKeys, true
	case "crypto/v1/verify_keyless", "verification/v1/verify_keyless_exact_match":
		return callback.KindVerifyKeyless, true
	case "kubernetes/v1/list_resources_by_namespace", "kubernetes/v1/list":
		return callback.KindKubernetesList, true
	case "kubernetes/v1/get_resource", "kubernetes/v1/get":
		return callback.KindKubernetesGet, true
	case "kubernetes/v1/can_i", "kubernetes/v1/subject_access_review":
		return callback.KindKubernetesCanI, true
	case "net/v1/dns_lookup_host":
		return callback.KindDNSLookupHost, true
	default:
		return "", false
	}
}

// dispatchHostCall resolves and executes one guest-initiated host_call
// against bridge, blocking the calling goroutine (which is the wasmtime
// host-function callback, itself invoked synchronously inside a guest
// export call) until the Bridge replies. Mirrors runtimes/wapc/callback.rs'
// host_callback, routing by (binding, namespace, operation) the same way
// a wapc-go HostCallHandler does.
func dispatchHostCall(ctx context.Context, bridge callback.Bridge, binding, namespace, operation string, payload []byte) ([]byte, error) {
	if namespace == "tracing" || namespace == "kubewarden-tracing" {
		klog.V(3).Infof("waPC guest log [%s/%s]: %s", namespace, operation, string(payload))
		return json.Marshal(map[string]interface{}{})
	}

	kind, ok := kindFor(namespace, operation)
	if !ok {
		return nil, errors.Errorf("unknown waPC host capability %s::%s::%s", binding, namespace, operation)
	}

	resp := bridge.Dispatch(ctx, callback.Request{Kind: kind, Payload: json.RawMessage(payload)})
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Payload, nil
}
