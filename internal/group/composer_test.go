package group

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

func allow(msg string) MemberEvaluator {
	return func(ctx context.Context) (MemberResult, error) {
		return MemberResult{Allowed: true, Message: msg}, nil
	}
}

func deny(msg string) MemberEvaluator {
	return func(ctx context.Context) (MemberResult, error) {
		return MemberResult{Allowed: false, Message: msg}, nil
	}
}

func TestComposerAllowsWhenExpressionIsTrue(t *testing.T) {
	c, err := NewComposer("a && b", map[string]MemberEvaluator{
		"a": allow(""),
		"b": allow(""),
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := c.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Errorf("expected the group to be allowed")
	}
}

func TestComposerRejectsWithMessagesOfConsultedMembersOnly(t *testing.T) {
	c, err := NewComposer("a && b", map[string]MemberEvaluator{
		"a": deny("a says no"),
		"b": deny("b says no"),
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := c.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Errorf("expected the group to be rejected")
	}
	if result.Message != "a says no" {
		t.Errorf("expected short-circuit to only consult 'a', got message %q", result.Message)
	}
}

func TestComposerUsesCustomRejectionMessage(t *testing.T) {
	c, err := NewComposer("a", map[string]MemberEvaluator{"a": deny("irrelevant")}, "custom rejection")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := c.Evaluate(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Message != "custom rejection" {
		t.Errorf("message = %q, want %q", result.Message, "custom rejection")
	}
}

func TestComposerDoesNotEvaluateShortCircuitedMembers(t *testing.T) {
	evaluated := false
	c, err := NewComposer("a || b", map[string]MemberEvaluator{
		"a": allow(""),
		"b": func(ctx context.Context) (MemberResult, error) {
			evaluated = true
			return MemberResult{Allowed: true}, nil
		},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Evaluate(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if evaluated {
		t.Errorf("expected 'b' to never be evaluated once 'a || b' short-circuits on a=true")
	}
}

func TestComposerRejectsUnknownMemberAtLoadTime(t *testing.T) {
	_, err := NewComposer("a && c", map[string]MemberEvaluator{"a": allow(""), "b": allow("")}, "")
	if err == nil {
		t.Errorf("expected a load-time error for an expression referencing an undeclared member")
	}
}

func TestComposerPropagatesMemberEvaluationError(t *testing.T) {
	c, err := NewComposer("a", map[string]MemberEvaluator{
		"a": func(ctx context.Context) (MemberResult, error) {
			return MemberResult{}, errors.New("stack rehydration failed")
		},
	}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := c.Evaluate(context.Background()); err == nil {
		t.Errorf("expected member evaluation errors to surface from Evaluate")
	}
}

func TestComposerRejectsNonBooleanExpression(t *testing.T) {
	_, err := NewComposer("1 + 1", map[string]MemberEvaluator{}, "")
	if err == nil {
		t.Errorf("expected a load-time error for a non-boolean expression")
	}
}
