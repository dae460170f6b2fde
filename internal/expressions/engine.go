package expressions

import "context"

// Engine evaluates expressions against accumulated execution data.
// Three implementations: CEL (condition predicates), Expr (validation rules),
// GoJQ (automated-step output transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
