package actions

import (
	"github.com/biomapper/biomapper/internal/expressions"
)

// Deps carries the collaborators built-in actions need. Nil expression
// engines are created on registration; actions missing any other dependency
// fail parameter validation.
type Deps struct {
	Filter    *expressions.ExprEngine
	Transform *expressions.RowTransformer
	Resolver  IdentifierResolver
	Objects   ObjectStore
	Bucket    string
	OutputDir string
}

// RegisterBuiltins registers all built-in actions in the given registry.
func RegisterBuiltins(reg *Registry, deps Deps) error {
	if deps.Filter == nil {
		deps.Filter = expressions.NewExprEngine()
	}
	if deps.Transform == nil {
		deps.Transform = expressions.NewRowTransformer()
	}

	groups := []func(Deps) []Descriptor{
		DatasetActions,
		IdentifierActions,
		StatisticsActions,
		ArtifactActions,
	}
	for _, group := range groups {
		for _, d := range group(deps) {
			if err := reg.Register(d); err != nil {
				return err
			}
		}
	}
	return nil
}
