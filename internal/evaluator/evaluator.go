// Package evaluator implements the Evaluation Environment: the request
// dispatcher that maps a policy or group identifier to a pre-instance,
// rehydrates a fresh Stack, applies settings, invokes the runtime
// adapter, and shapes the guest's verdict into an admission response.
// Grounded on policy_evaluator/evaluator.rs and policy_evaluator_builder.rs.
package evaluator

import (
	"context"
	"errors"
	"sync"

	pkgerrors "github.com/pkg/errors"
	admissionv1 "k8s.io/api/admission/v1"

	"github.com/kubewarden/policy-evaluator/internal/callback"
	"github.com/kubewarden/policy-evaluator/internal/contextaware"
	"github.com/kubewarden/policy-evaluator/internal/group"
	kwruntime "github.com/kubewarden/policy-evaluator/internal/runtime"
	"github.com/kubewarden/policy-evaluator/internal/runtime/rego"
	"github.com/kubewarden/policy-evaluator/internal/runtime/wapc"
	"github.com/kubewarden/policy-evaluator/internal/runtime/wasicli"
	"github.com/kubewarden/policy-evaluator/internal/wasmengine"
	"github.com/kubewarden/policy-evaluator/pkg/admission"
	"github.com/kubewarden/policy-evaluator/pkg/evalerrors"
	"github.com/kubewarden/policy-evaluator/pkg/metadata"
	"github.com/kubewarden/policy-evaluator/pkg/policyid"
	"github.com/kubewarden/policy-evaluator/pkg/policymode"
	"github.com/kubewarden/policy-evaluator/pkg/settings"
)

// PolicyRegistration is everything Register needs to know about one
// policy instance: its module, which ABI it speaks, the settings it is
// configured with, and the policy-mode/mutation/context-aware-access
// rules the Evaluation Environment enforces around it.
type PolicyRegistration struct {
	PolicyID    string
	ModuleBytes []byte
	ABI         metadata.ExecutionMode

	// RegoEntrypointID selects which OPA entrypoint eval() invokes.
	// Consulted only when ABI is ExecutionModeOPA or ExecutionModeGatekeeper.
	RegoEntrypointID int32

	Settings      settings.PolicySettings
	Mode          policymode.Mode
	AllowMutation bool
	AllowList     []settings.ContextAwareResource

	// Deadlines bounds how long one guest call may run before the epoch
	// clock interrupts it. Nil means "no deadline", only ever appropriate
	// for tests.
	Deadlines *wasmengine.EpochDeadlines
}

// GroupRegistration is everything RegisterGroup needs: the member policy
// IDs the boolean expression may reference, the expression itself, and an
// optional message to use instead of the concatenated member messages
// when the group rejects.
type GroupRegistration struct {
	GroupID                string
	MemberPolicyIDs        []string
	Expression             string
	CustomRejectionMessage string
	Mode                   policymode.Mode
}

type policyEntry struct {
	pre           *wasmengine.PreInstance
	abi           metadata.ExecutionMode
	settings      settings.PolicySettings
	mode          policymode.Mode
	allowMutation bool
	allowList     []settings.ContextAwareResource
	deadlines     *wasmengine.EpochDeadlines
}

type groupEntry struct {
	memberPolicyIDs        []string
	expression             string
	customRejectionMessage string
	mode                   policymode.Mode
}

// Environment is the Evaluation Environment: the process-wide registry of
// compiled policies and policy groups, built on top of the shared Module
// Cache & Pre-Instance Store.
type Environment struct {
	engine    *wasmengine.Engine
	cache     *wasmengine.Cache
	bridge    callback.Bridge
	inventory *contextaware.InventoryCache

	mu       sync.RWMutex
	policies map[string]*policyEntry
	groups   map[string]*groupEntry
}

// New builds an Environment sharing engine's compiled-module cache and
// dispatching Kubernetes reads through bridge. bridge may be nil for
// deployments with no policy that ever sets a context-aware allow-list.
func New(engine *wasmengine.Engine, bridge callback.Bridge) *Environment {
	return &Environment{
		engine:    engine,
		cache:     wasmengine.NewCache(),
		bridge:    bridge,
		inventory: contextaware.NewInventoryCache(contextaware.DefaultFreshnessWindow),
		policies:  make(map[string]*policyEntry),
		groups:    make(map[string]*groupEntry),
	}
}

// Register compiles reg's module (or reuses an already-compiled instance
// sharing its PolicyID), then validates its settings by rehydrating a
// Stack and calling validate_settings exactly once. Registration fails,
// and the policy is never made visible to Evaluate, if settings are
// rejected or registration otherwise fails -- mirroring
// policy_evaluator_builder.rs's build() plus command/run.rs's
// validate_settings gate before a policy is ever evaluated.
func (e *Environment) Register(ctx context.Context, reg PolicyRegistration) error {
	if _, err := policyid.Parse(reg.PolicyID); err != nil {
		return pkgerrors.Wrap(evalerrors.ErrInvalidPolicyID, err.Error())
	}

	pre, err := e.cache.GetOrBuild(reg.PolicyID, func() (*wasmengine.PreInstance, error) {
		return buildPreInstance(e.engine, reg)
	})
	if err != nil {
		return err
	}

	entry := &policyEntry{
		pre:           pre,
		abi:           reg.ABI,
		settings:      reg.Settings,
		mode:          reg.Mode,
		allowMutation: reg.AllowMutation,
		allowList:     reg.AllowList,
		deadlines:     reg.Deadlines,
	}

	stack, err := e.rehydrate(entry)
	if err != nil {
		return pkgerrors.Wrapf(evalerrors.ErrCannotRehydrate, "policy %q for settings validation: %s", reg.PolicyID, err.Error())
	}
	defer stack.Close(ctx)

	resp, err := stack.ValidateSettings(ctx, reg.Settings)
	if err != nil {
		return pkgerrors.Wrapf(err, "cannot validate settings for policy %q", reg.PolicyID)
	}
	if !resp.Valid {
		return pkgerrors.Wrapf(evalerrors.ErrInvalidSettings, "policy %q: %s", reg.PolicyID, resp.Message)
	}

	e.mu.Lock()
	e.policies[reg.PolicyID] = entry
	e.mu.Unlock()
	return nil
}

func buildPreInstance(engine *wasmengine.Engine, reg PolicyRegistration) (*wasmengine.PreInstance, error) {
	var adapter interface{}
	var err error

	switch reg.ABI {
	case metadata.ExecutionModeKubewardenWapc:
		adapter, err = wapc.NewStackPre(engine, reg.ModuleBytes, reg.PolicyID)
	case metadata.ExecutionModeOPA:
		adapter, err = rego.NewStackPre(engine, reg.ModuleBytes, reg.RegoEntrypointID, rego.ExecutionModeOPA, reg.PolicyID)
	case metadata.ExecutionModeGatekeeper:
		adapter, err = rego.NewStackPre(engine, reg.ModuleBytes, reg.RegoEntrypointID, rego.ExecutionModeGatekeeper, reg.PolicyID)
	case metadata.ExecutionModeWASI:
		adapter, err = wasicli.NewStackPre(engine, reg.ModuleBytes, reg.PolicyID)
	default:
		return nil, pkgerrors.Errorf("policy %q declares unsupported ABI %q", reg.PolicyID, reg.ABI)
	}
	if err != nil {
		return nil, err
	}

	return &wasmengine.PreInstance{ModuleBytes: reg.ModuleBytes, Adapter: adapter}, nil
}

// rehydrate instantiates a fresh, single-evaluation Stack from entry's
// cached PreInstance, wiring in the Context-Aware Data Provider for Rego
// policies that declare a non-empty allow-list.
func (e *Environment) rehydrate(entry *policyEntry) (kwruntime.Stack, error) {
	switch adapter := entry.pre.Adapter.(type) {
	case *wapc.StackPre:
		return adapter.Rehydrate(entry.deadlines, e.bridge)
	case *wasicli.StackPre:
		return adapter.Rehydrate(entry.deadlines)
	case *rego.StackPre:
		stack, err := adapter.Rehydrate(entry.deadlines)
		if err != nil {
			return nil, err
		}
		if len(entry.allowList) > 0 && e.bridge != nil {
			provider := contextaware.NewProvider(e.bridge, entry.allowList)
			stack.SetContextDataProvider(func(ctx context.Context) (interface{}, error) {
				return e.contextDataDocument(ctx, adapter, provider, entry.allowList)
			})
		}
		return stack, nil
	default:
		return nil, pkgerrors.Wrapf(evalerrors.ErrCannotRehydrate, "unrecognized pre-instance adapter %T", entry.pre.Adapter)
	}
}

// contextDataDocument picks the flat-map or inventory-tree shape
// depending on the Rego execution mode the policy was compiled under, and
// serves the Gatekeeper shape through the process-wide freshness-windowed
// cache.
func (e *Environment) contextDataDocument(ctx context.Context, pre *rego.StackPre, provider *contextaware.Provider, allowList []settings.ContextAwareResource) (interface{}, error) {
	if pre.Mode() == rego.ExecutionModeGatekeeper {
		return e.inventory.Get(ctx, contextaware.AllowListKey(allowList), provider)
	}
	return provider.FlatMap(ctx)
}

// Evaluate rehydrates policyID's Stack, validates req, and applies the
// policy-mode and mutation filters before shaping the final admission
// response. request carries the Kubernetes AdmissionRequest envelope;
// ShapeReview copies its UID/kind/apiVersion through to the response.
func (e *Environment) Evaluate(ctx context.Context, policyID string, request *admissionv1.AdmissionRequest, fullRequestJSON []byte) (*admissionv1.AdmissionResponse, error) {
	entry, ok := e.lookupPolicy(policyID)
	if !ok {
		return nil, pkgerrors.Wrapf(evalerrors.ErrPolicyNotFound, "policy %q", policyID)
	}

	verdict, err := e.evaluateOne(ctx, policyID, entry, fullRequestJSON, string(request.UID))
	if err != nil {
		verdict = verdictForError(err)
	}

	return admission.ShapeReview(request, verdict, entry.mode, entry.allowMutation)
}

// EvaluateRaw is Evaluate's non-Kubernetes counterpart: requests that
// never carried an AdmissionRequest envelope in the first place, carrying
// only a raw JSON payload in and a raw JSON payload out.
func (e *Environment) EvaluateRaw(ctx context.Context, policyID, uid string, fullRequestJSON []byte) (*admission.RawResponse, error) {
	entry, ok := e.lookupPolicy(policyID)
	if !ok {
		return nil, pkgerrors.Wrapf(evalerrors.ErrPolicyNotFound, "policy %q", policyID)
	}

	verdict, err := e.evaluateOne(ctx, policyID, entry, fullRequestJSON, uid)
	if err != nil {
		verdict = verdictForError(err)
	}

	return admission.ShapeRaw(uid, verdict, entry.mode, entry.allowMutation)
}

// verdictForError turns a failed evaluation into the verdict the Admission
// Response Shaper renders: an epoch interruption gets its own 504 verdict,
// anything else falls back to a generic 500.
func verdictForError(err error) admission.Verdict {
	if errors.Is(err, evalerrors.ErrEpochInterrupted) {
		return admission.RejectEpochTimeout()
	}
	return admission.RejectInternalServerError(err.Error())
}

func (e *Environment) evaluateOne(ctx context.Context, policyID string, entry *policyEntry, fullRequestJSON []byte, uid string) (admission.Verdict, error) {
	stack, err := e.rehydrate(entry)
	if err != nil {
		return admission.Verdict{}, pkgerrors.Wrapf(evalerrors.ErrCannotRehydrate, "policy %q: %s", policyID, err.Error())
	}
	defer stack.Close(ctx)

	return stack.Validate(ctx, entry.settings, kwruntime.ValidateRequest{
		UID:  uid,
		Full: fullRequestJSON,
	})
}

func (e *Environment) lookupPolicy(policyID string) (*policyEntry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entry, ok := e.policies[policyID]
	return entry, ok
}

// RegisterGroup validates reg's expression against its declared members
// (a load-time error if it references an undeclared one) and makes
// group_id evaluable via EvaluateGroup. Member IDs are
// parsed with pkg/policyid and rejected if they resolve to a
// PolicyGroupPolicy (a "group/name" pair), since policy groups
// referencing other policy groups is disallowed (Open Question (b),
// resolved in DESIGN.md).
func (e *Environment) RegisterGroup(ctx context.Context, reg GroupRegistration) error {
	groupID, err := policyid.Parse(reg.GroupID)
	if err != nil {
		return pkgerrors.Wrap(evalerrors.ErrInvalidPolicyID, err.Error())
	}
	if groupID.IsGroupMember() {
		return pkgerrors.Errorf("policy group id %q cannot itself look like a group/name pair", reg.GroupID)
	}

	for _, raw := range reg.MemberPolicyIDs {
		id, err := policyid.Parse(raw)
		if err != nil {
			return pkgerrors.Wrapf(evalerrors.ErrInvalidPolicyID, "policy group %q: member %q: %s", reg.GroupID, raw, err.Error())
		}
		if id.IsGroupMember() {
			return pkgerrors.Errorf("policy group %q: member %q looks like a group/name pair; nesting groups is not supported", reg.GroupID, raw)
		}
		if _, ok := e.lookupPolicy(raw); !ok {
			return pkgerrors.Wrapf(evalerrors.ErrPolicyNotFound, "policy group %q: member %q", reg.GroupID, raw)
		}
	}

	noop := func(ctx context.Context) (group.MemberResult, error) {
		return group.MemberResult{}, pkgerrors.New("member evaluator placeholder must be rebuilt per-request")
	}
	members := make(map[string]group.MemberEvaluator, len(reg.MemberPolicyIDs))
	for _, id := range reg.MemberPolicyIDs {
		members[id] = noop
	}
	// NewComposer is only used here to validate the expression at
	// load time; the per-request Composer used by EvaluateGroup is
	// rebuilt fresh in evaluateGroupOnce, since each invocation needs
	// member evaluators closing over that request's payload.
	if _, err := group.NewComposer(reg.Expression, members, reg.CustomRejectionMessage); err != nil {
		return pkgerrors.Wrapf(err, "policy group %q", reg.GroupID)
	}

	e.mu.Lock()
	e.groups[reg.GroupID] = &groupEntry{
		memberPolicyIDs:        reg.MemberPolicyIDs,
		expression:             reg.Expression,
		customRejectionMessage: reg.CustomRejectionMessage,
		mode:                   reg.Mode,
	}
	e.mu.Unlock()
	return nil
}

// EvaluateGroup evaluates every member referenced by the group's
// expression (lazily, via the Policy Group Composer), then rejects the
// group outright if any consulted member both allowed the request and
// returned a mutation -- mutation-from-group is disallowed regardless of
// the composed boolean.
func (e *Environment) EvaluateGroup(ctx context.Context, groupID string, request *admissionv1.AdmissionRequest, fullRequestJSON []byte) (*admissionv1.AdmissionResponse, error) {
	e.mu.RLock()
	g, ok := e.groups[groupID]
	e.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.Wrapf(evalerrors.ErrPolicyNotFound, "policy group %q", groupID)
	}

	verdict, err := e.evaluateGroupOnce(ctx, g, string(request.UID), fullRequestJSON)
	if err != nil {
		verdict = verdictForError(err)
	}

	// Groups never mutate: allow_mutation is always false for the group
	// itself. groupVerdict builds the group's verdict from the composed
	// result alone, so it never carries a member's patch, and a member that
	// allowed the request with a patch has already vetoed the group.
	return admission.ShapeReview(request, verdict, g.mode, false)
}

func (e *Environment) evaluateGroupOnce(ctx context.Context, g *groupEntry, uid string, fullRequestJSON []byte) (admission.Verdict, error) {
	mutated := false

	members := make(map[string]group.MemberEvaluator, len(g.memberPolicyIDs))
	for _, id := range g.memberPolicyIDs {
		policyID := id
		members[policyID] = func(ctx context.Context) (group.MemberResult, error) {
			entry, ok := e.lookupPolicy(policyID)
			if !ok {
				return group.MemberResult{}, pkgerrors.Wrapf(evalerrors.ErrPolicyNotFound, "group member %q", policyID)
			}
			verdict, err := e.evaluateOne(ctx, policyID, entry, fullRequestJSON, uid)
			if err != nil {
				return group.MemberResult{}, err
			}
			if verdict.Allowed && len(verdict.Patch) > 0 {
				mutated = true
			}
			return group.MemberResult{Allowed: verdict.Allowed, Message: verdict.Message}, nil
		}
	}

	composer, err := group.NewComposer(g.expression, members, g.customRejectionMessage)
	if err != nil {
		return admission.Verdict{}, err
	}

	result, err := composer.Evaluate(ctx)
	if err != nil {
		return admission.Verdict{}, err
	}

	return groupVerdict(result, mutated), nil
}

// groupVerdict applies the group-level mutation veto on top of the
// Composer's own verdict: a member that both allowed the request and
// returned a patch forces the whole group to reject, regardless of what
// the boolean expression decided.
func groupVerdict(composed group.MemberResult, anyMemberMutated bool) admission.Verdict {
	if anyMemberMutated {
		return admission.Verdict{Allowed: false, Message: "policy group rejected: a member attempted a mutation, which is not permitted from within a group"}
	}
	return admission.Verdict{Allowed: composed.Allowed, Message: composed.Message}
}

// Unregister drops policyID's cached pre-instance and registration,
// freeing its compiled module once the last in-flight evaluation using it
// releases its Stack.
func (e *Environment) Unregister(policyID string) {
	e.mu.Lock()
	delete(e.policies, policyID)
	e.mu.Unlock()
	e.cache.Evict(policyID)
}
