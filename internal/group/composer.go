// Package group implements the Policy Group Composer: a boolean
// expression over named member evaluation results, using CEL as the
// expression language. Grounded on
// policy_group_evaluator/errors.rs (the original uses `rhai`; no
// `rhai`-equivalent dependency appears anywhere in the retrieval pack, and
// `google/cel-go` is already a real pack dependency -- see DESIGN.md).
package group

import (
	"context"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/checker/decls"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/interpreter"
	"github.com/pkg/errors"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"google.golang.org/protobuf/proto"
)

// MemberResult is one group member's evaluation outcome: whether it
// allowed the request, and the message to surface if it (or the group)
// rejects.
type MemberResult struct {
	Allowed bool
	Message string
}

// MemberEvaluator runs one group member's policy and returns its result.
// Composer calls this at most once per member, and only for members the
// expression actually references.
type MemberEvaluator func(ctx context.Context) (MemberResult, error)

// Composer evaluates a boolean expression referencing named group
// members, short-circuiting so members the expression doesn't need to
// consult are never evaluated.
type Composer struct {
	program                cel.Program
	members                map[string]MemberEvaluator
	customRejectionMessage string
}

// NewComposer compiles expression against the declared member names.
// Compilation fails at load time if the expression references a name
// not present in members.
func NewComposer(expression string, members map[string]MemberEvaluator, customRejectionMessage string) (*Composer, error) {
	varDecls := make([]*exprpb.Decl, 0, len(members))
	for name := range members {
		varDecls = append(varDecls, decls.NewVar(name, decls.Bool))
	}
	env, err := cel.NewEnv(cel.Declarations(varDecls...))
	if err != nil {
		return nil, errors.Wrap(err, "cannot build group expression environment")
	}

	ast, iss := env.Compile(expression)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "invalid group expression %q", expression)
	}
	if !proto.Equal(ast.ResultType(), decls.Bool) {
		return nil, errors.Errorf("group expression %q does not evaluate to a boolean", expression)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot build evaluable program for group expression %q", expression)
	}

	return &Composer{program: prg, members: members, customRejectionMessage: customRejectionMessage}, nil
}

// Evaluate runs the group: lazily evaluating only the members the
// expression references, and producing a single composed verdict.
func (c *Composer) Evaluate(ctx context.Context) (MemberResult, error) {
	act := &lazyActivation{ctx: ctx, members: c.members, values: map[string]ref.Val{}, messages: map[string]string{}}

	out, _, err := c.program.Eval(act)
	if act.err != nil {
		return MemberResult{}, act.err
	}
	if err != nil {
		return MemberResult{}, errors.Wrap(err, "group expression evaluation failed")
	}

	allowed, ok := out.Value().(bool)
	if !ok {
		return MemberResult{}, errors.Errorf("group expression produced a non-boolean result: %v", out.Value())
	}
	if allowed {
		return MemberResult{Allowed: true}, nil
	}

	if c.customRejectionMessage != "" {
		return MemberResult{Allowed: false, Message: c.customRejectionMessage}, nil
	}
	return MemberResult{Allowed: false, Message: act.rejectionMessage()}, nil
}

// lazyActivation is a CEL interpreter.Activation that evaluates a group
// member the first time the expression asks for its value, memoizing the
// result -- this is what makes members not referenced by the expression
// never run.
type lazyActivation struct {
	ctx      context.Context
	members  map[string]MemberEvaluator
	values   map[string]ref.Val
	messages map[string]string
	order    []string
	err      error
}

func (a *lazyActivation) ResolveName(name string) (interface{}, bool) {
	if a.err != nil {
		return nil, false
	}
	if v, ok := a.values[name]; ok {
		return v, true
	}
	fn, ok := a.members[name]
	if !ok {
		return nil, false
	}

	result, err := fn(a.ctx)
	if err != nil {
		a.err = errors.Wrapf(err, "group member %q failed to evaluate", name)
		return nil, false
	}

	a.values[name] = types.Bool(result.Allowed)
	if !result.Allowed {
		a.messages[name] = result.Message
	}
	a.order = append(a.order, name)
	return a.values[name], true
}

func (a *lazyActivation) Parent() interpreter.Activation { return nil }

// rejectionMessage concatenates the messages of every evaluated member
// that rejected the request, in the order they were consulted.
func (a *lazyActivation) rejectionMessage() string {
	msg := ""
	for _, name := range a.order {
		m, ok := a.messages[name]
		if !ok {
			continue
		}
		if msg != "" {
			msg += "; "
		}
		msg += m
	}
	return msg
}
