package analyzer

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	celref "github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/merlin/internal/domain"
)

// NewCustomEnv creates the CEL environment custom rule expressions are
// compiled against.
func NewCustomEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("country", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("weekday", cel.IntType),
		cel.Variable("has_location", cel.BoolType),
		cel.Variable("has_device", cel.BoolType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// Custom is an analyzer backed by a compiled CEL expression. Expressions
// can return a bool (scored 1 or 0) or a number (clamped to [0,1]).
// Custom rules are stateless.
type Custom struct {
	name    string
	program cel.Program
}

// CompileCustom compiles a custom rule's expression into an analyzer.
// A compile failure is a configuration error on the rule.
func CompileCustom(env *cel.Env, rule domain.Rule) (*Custom, error) {
	if rule.Expression == "" {
		return nil, &domain.ConfigError{Rule: rule.Name, Reason: "expression is required"}
	}

	ast, issues := env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, &domain.ConfigError{Rule: rule.Name, Reason: fmt.Sprintf("compile failed: %v", issues.Err())}
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, &domain.ConfigError{Rule: rule.Name, Reason: fmt.Sprintf("program build failed: %v", err)}
	}

	return &Custom{name: rule.Name, program: program}, nil
}

func (c *Custom) Name() string { return c.name }

func (c *Custom) Analyze(ctx context.Context, tx *domain.Transaction) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	activation := map[string]any{
		"amount":         tx.AmountValue(),
		"currency":       tx.Currency,
		"user_id":        tx.UserID,
		"merchant_id":    tx.MerchantID,
		"category":       tx.Category,
		"payment_method": tx.PaymentMethod,
		"country":        tx.Country(),
		"hour":           int64(tx.Timestamp.Hour()),
		"weekday":        int64(tx.Timestamp.Weekday()),
		"has_location":   tx.Location != nil,
		"has_device":     tx.DeviceID != "",
		"metadata":       metadata,
	}

	out, _, err := c.program.Eval(activation)
	if err != nil {
		return 0, &domain.AnalyzerError{Rule: c.name, Err: fmt.Errorf("evaluation error: %w", err)}
	}

	return clamp01(toScore(out)), nil
}

// toScore converts a CEL value to a numeric score.
func toScore(val celref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	case types.Uint:
		return float64(v)
	default:
		return 0.0
	}
}
