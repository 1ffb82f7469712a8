package pruning

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/parledger/acs/pkg/acs"
)

// RetentionPolicy is an optional CEL expression evaluated per prune
// candidate. Entries for which the expression yields true are retained
// (legal-hold style carve-outs) and reported in the prune stats.
//
// The expression sees: contract_id, synchronizer, status (strings),
// valid_from and valid_to (ints).
type RetentionPolicy struct {
	expr    string
	program cel.Program
}

// NewRetentionPolicy compiles expr. An empty expression is invalid; use
// a nil policy to retain nothing.
func NewRetentionPolicy(expr string) (*RetentionPolicy, error) {
	env, err := cel.NewEnv(
		cel.Variable("contract_id", cel.StringType),
		cel.Variable("synchronizer", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("valid_from", cel.IntType),
		cel.Variable("valid_to", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build retention environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("invalid retention expression: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("retention expression must yield bool, got %s", ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to compile retention expression: %w", err)
	}
	return &RetentionPolicy{expr: expr, program: program}, nil
}

// Retain reports whether the policy keeps e out of the prune batch.
func (p *RetentionPolicy) Retain(e acs.Entry) (bool, error) {
	var validTo int64
	if e.ValidTo != nil {
		validTo = int64(*e.ValidTo)
	}
	out, _, err := p.program.Eval(map[string]any{
		"contract_id":  e.Key.ContractID.String(),
		"synchronizer": string(e.Key.Synchronizer),
		"status":       string(e.Status.Kind),
		"valid_from":   int64(e.ValidFrom),
		"valid_to":     validTo,
	})
	if err != nil {
		return false, fmt.Errorf("retention evaluation failed: %w", err)
	}
	keep, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("retention expression yielded %T, want bool", out.Value())
	}
	return keep, nil
}

// Expression returns the source expression.
func (p *RetentionPolicy) Expression() string { return p.expr }
