// Package evalctx carries the per-request metadata a policy evaluation
// needs beyond the Wasm guest state itself: which policy is running and
// which Kubernetes resources it may read. Grounded on evaluation_context.rs.
package evalctx

import (
	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// Context is created when a request is dispatched to a policy and
// discarded when evaluation returns. It owns no Wasm state; Bridge is a
// shared handle, not created per Context.
type Context struct {
	PolicyID string
	Bridge   callback.Bridge

	allowList map[settings.ContextAwareResource]struct{}
}

// New builds a Context for one evaluation of policyID, scoped to
// allowList. bridge may be nil for policies with an empty allow-list and
// no other callback dependency.
func New(policyID string, bridge callback.Bridge, allowList []settings.ContextAwareResource) *Context {
	set := make(map[settings.ContextAwareResource]struct{}, len(allowList))
	for _, r := range allowList {
		set[r] = struct{}{}
	}
	return &Context{PolicyID: policyID, Bridge: bridge, allowList: set}
}

// CanAccessKubernetesResource reports whether the policy is allowed to
// read the given Kubernetes resource class.
func (c *Context) CanAccessKubernetesResource(apiVersion, kind string) bool {
	_, ok := c.allowList[settings.ContextAwareResource{APIVersion: apiVersion, Kind: kind}]
	return ok
}

// AllowList returns the allowed resource set as a slice, in no particular
// order -- used to build an internal/contextaware.Provider for this
// Context's policy.
func (c *Context) AllowList() []settings.ContextAwareResource {
	out := make([]settings.ContextAwareResource, 0, len(c.allowList))
	for r := range c.allowList {
		out = append(out, r)
	}
	return out
}
