package expressions

import "context"

// Engine evaluates expressions inside strategy steps.
// CEL guards step conditions and Expr filters rows. Row reshaping uses
// RowTransformer.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
