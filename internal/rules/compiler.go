// Package rules provides the CEL-Go based rule cache and detection engine.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/opensource-finance/fds/internal/domain"
)

const (
	// interruptCheckFrequency is the number of comprehension iterations between context checks.
	// Nested comprehensions share one counter, so anything above 1 lets outer loops outlive
	// the deadline.
	interruptCheckFrequency = 1

	// costLimit caps the runtime cost of one evaluation regardless of its deadline.
	costLimit = 1_000_000
)

// CompiledRule is a normalized rule with its CEL program.
type CompiledRule struct {
	domain.Rule
	Program cel.Program
}

// Compiler normalizes stored rule definitions and compiles their predicates.
type Compiler struct {
	env *cel.Env
}

// NewCompiler creates the CEL environment shared by every predicate.
func NewCompiler() (*Compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("case_id", cel.StringType),
		cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("purchase", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("refs", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("blocklisted", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("velocity", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("item_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Compiler{env: env}, nil
}

// Compile normalizes def and compiles its expression.
func (c *Compiler) Compile(def *domain.RuleDefinition) (*CompiledRule, error) {
	rule, err := Normalize(def)
	if err != nil {
		return nil, err
	}

	ast, issues := c.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: rule %s: %v", domain.ErrInvalidInput, rule.ID, issues.Err())
	}

	// dyn results are checked at evaluation time
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidInput, rule.ID, out)
	}

	program, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(interruptCheckFrequency),
		cel.CostLimit(costLimit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Program: program}, nil
}

var (
	purchaseRef = regexp.MustCompile(`\bpurchase\s*(\.|\[)`)
	orderRef    = regexp.MustCompile(`\border\s*(\.|\[)`)
)

// Normalize resolves the action and target of a stored rule.
// An empty action is BLOCK and any action other than BLOCK is REVIEW. An empty target is
// order. Any other target that is neither order nor purchase is inferred from the variables
// the expression reads; a rule whose target cannot be resolved is rejected.
func Normalize(def *domain.RuleDefinition) (domain.Rule, error) {
	if def == nil || strings.TrimSpace(def.ID) == "" {
		return domain.Rule{}, fmt.Errorf("%w: rule id is required", domain.ErrInvalidInput)
	}
	expr := strings.TrimSpace(def.Expression)
	if expr == "" {
		return domain.Rule{}, fmt.Errorf("%w: rule %s has no expression", domain.ErrInvalidInput, def.ID)
	}

	target, err := domain.ParseCaseKind(def.Target)
	if strings.TrimSpace(def.Target) == "" {
		target, err = domain.CaseOrder, nil
	}
	if err != nil {
		var ok bool
		if target, ok = InferTarget(expr); !ok {
			return domain.Rule{}, fmt.Errorf("%w: rule %s has unresolvable target %q", domain.ErrInvalidInput, def.ID, def.Target)
		}
	}

	return domain.Rule{
		ID:                def.ID,
		Expression:        expr,
		Reason:            def.Reason,
		Action:            domain.NormalizeAction(def.Action),
		Target:            target,
		RegisterBlocklist: def.RegisterBlocklist,
		RegisterTargets:   domain.ParseRegisterTargets(def.RegisterTargets),
	}, nil
}

// InferTarget guesses the case kind from the entity variables an expression reads.
// Order wins when both are read.
func InferTarget(expr string) (domain.CaseKind, bool) {
	switch {
	case orderRef.MatchString(expr):
		return domain.CaseOrder, true
	case purchaseRef.MatchString(expr):
		return domain.CasePurchase, true
	default:
		return "", false
	}
}
