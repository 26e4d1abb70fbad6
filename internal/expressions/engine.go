package expressions

import "context"

// Engine evaluates expressions against the layered execution scope.
// Three implementations: CEL (conditions), Expr (alternative condition
// language), GoJQ (transform steps).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
