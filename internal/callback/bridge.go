// Package callback implements the Callback Bridge: the synchronous-guest
// to asynchronous-host channel a waPC policy uses to reach OCI registries,
// Sigstore, and the Kubernetes API without ever blocking the host's async
// executor on guest code. Grounded on callback_requests.rs and
// callback_handler/{builder.rs,sigstore.rs,sigstore_verification.rs}; the
// record/replay wrapping is grounded on kwctl/src/callback_handler/mod.rs.
package callback

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind identifies which host capability a Request asks for.
type Kind string

const (
	KindOCIManifestDigest Kind = "oci-manifest-digest"
	KindVerifyPubKeys     Kind = "verify-pub-keys"
	KindVerifyKeyless     Kind = "verify-keyless"
	KindKubernetesList    Kind = "kubernetes-list"
	KindKubernetesGet     Kind = "kubernetes-get"
	KindKubernetesCanI    Kind = "kubernetes-can-i"
	KindDNSLookupHost     Kind = "dns-lookup-host"
)

// Request is one guest-initiated capability call, addressed to the Bridge
// over its single request channel. Response is delivered on ReplyTo, a
// one-shot channel this request owns exclusively.
type Request struct {
	Kind    Kind
	Payload json.RawMessage
	ReplyTo chan Response
}

// Response carries either a successful payload or an error back to the
// blocked guest-call goroutine that issued the Request.
type Response struct {
	Payload json.RawMessage
	Err     error
}

// Bridge is the interface runtime adapters depend on: a single place to
// send a Request and block on its reply. RecordingBridge and
// ReplayingBridge (proxy.go) also satisfy it, transparently to adapters.
type Bridge interface {
	Dispatch(ctx context.Context, req Request) Response
}

// Capability answers one Kind of Request. Capabilities are registered with
// a Host and run on the async side; the Host's loop is the only place that
// may block on real I/O.
type Capability interface {
	Kind() Kind
	Handle(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// Host is the direct (non-recording, non-replaying) Bridge implementation:
// a many-producer/single-consumer channel fed by runtime adapters and
// drained by one loop goroutine that dispatches to registered
// Capabilities. Mirrors CallbackHandler's tx/rx + loop_eval pair.
type Host struct {
	requests     chan Request
	capabilities map[Kind]Capability
	done         chan struct{}
}

// NewHost creates a Host with the given capabilities registered by Kind.
// bufferSize mirrors CallbackHandlerBuilder's channel_buffer_size.
func NewHost(bufferSize int, capabilities ...Capability) *Host {
	h := &Host{
		requests:     make(chan Request, bufferSize),
		capabilities: make(map[Kind]Capability, len(capabilities)),
		done:         make(chan struct{}),
	}
	for _, c := range capabilities {
		h.capabilities[c.Kind()] = c
	}
	return h
}

// Dispatch sends req on the shared channel and blocks until the loop
// replies or ctx is cancelled, in which case the reply is a cancelled
// error and the request is left for the loop to drain and discard.
func (h *Host) Dispatch(ctx context.Context, req Request) Response {
	if req.ReplyTo == nil {
		req.ReplyTo = make(chan Response, 1)
	}

	select {
	case h.requests <- req:
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	case <-h.done:
		return Response{Err: errors.New("callback bridge is shutting down")}
	}

	select {
	case resp := <-req.ReplyTo:
		return resp
	case <-ctx.Done():
		return Response{Err: ctx.Err()}
	}
}

// Run drains the request channel until ctx is cancelled, dispatching each
// request to its registered Capability. Exactly one Run goroutine should
// exist per Host; there is no ordering guarantee across requests from
// different guest calls.
func (h *Host) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case req := <-h.requests:
			h.serve(ctx, req)
		case <-ctx.Done():
			h.drain()
			return
		}
	}
}

func (h *Host) serve(ctx context.Context, req Request) {
	cap, ok := h.capabilities[req.Kind]
	if !ok {
		req.ReplyTo <- Response{Err: errors.Errorf("host capability unavailable: %s", req.Kind)}
		return
	}

	payload, err := cap.Handle(ctx, req.Payload)
	req.ReplyTo <- Response{Payload: payload, Err: err}
}

// drain replies to every request still queued with a cancelled error, so
// no guest-call goroutine blocks forever past shutdown.
func (h *Host) drain() {
	for {
		select {
		case req := <-h.requests:
			req.ReplyTo <- Response{Err: errors.New("callback bridge shut down before reply")}
		default:
			return
		}
	}
}
