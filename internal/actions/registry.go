package actions

import (
	"sort"
	"sync"

	"github.com/biomapper/biomapper/pkg/schema"
)

// ParamValidator validates params against a JSON Schema document.
// Satisfied by *validation.JSONSchemaValidator.
type ParamValidator interface {
	ValidateParams(params map[string]any, paramSchema []byte) error
}

// Registry maps action type names to descriptors. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
	validator   ParamValidator
}

// NewRegistry creates an empty Registry. validator may be nil, in which case
// descriptor param schemas are not enforced.
func NewRegistry(validator ParamValidator) *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		validator:   validator,
	}
}

// Register adds an action type. Registering a type twice is a configuration error.
func (r *Registry) Register(d Descriptor) error {
	if d.Type == "" {
		return schema.NewError(schema.ErrCodeConfiguration, "action type is empty")
	}
	if d.Factory == nil {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "action %q has no factory", d.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Type]; exists {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "action %q already registered", d.Type).
			WithDetails(map[string]any{"action_type": d.Type})
	}

	r.descriptors[d.Type] = d
	return nil
}

// Resolve returns the factory for an action type.
func (r *Registry) Resolve(actionType string) (Factory, error) {
	d, ok := r.Describe(actionType)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownActionType, "action %q not registered", actionType).
			WithDetails(map[string]any{"action_type": actionType})
	}
	return d.Factory, nil
}

// Describe returns the descriptor for an action type.
func (r *Registry) Describe(actionType string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[actionType]
	return d, ok
}

// Instantiate resolves an action type, validates params against its schema and
// the action's own Validate, and returns a ready-to-run instance.
func (r *Registry) Instantiate(actionType string, params map[string]any) (Action, error) {
	d, ok := r.Describe(actionType)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownActionType, "action %q not registered", actionType)
	}

	if r.validator != nil && len(d.ParamSchema) > 0 {
		if err := r.validator.ValidateParams(params, d.ParamSchema); err != nil {
			return nil, invalidParams(actionType, err)
		}
	}

	action := d.Factory()
	if v, ok := action.(Validator); ok {
		if err := v.Validate(params); err != nil {
			return nil, invalidParams(actionType, err)
		}
	}
	return action, nil
}

// invalidParams wraps a param failure as ACTION_EXECUTION_ERROR. Configuration
// causes, such as a missing dependency, keep their code so they stay fatal.
func invalidParams(actionType string, err error) error {
	code := schema.ErrCodeActionExecution
	if schema.IsConfigurationError(err) {
		code = schema.CodeOf(err)
	}
	return schema.NewErrorf(code, "invalid params for %q: %v", actionType, err).
		WithCause(err)
}

// List returns info for all registered actions, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		infos = append(infos, Info{
			Type:        d.Type,
			Description: d.Description,
			ParamSchema: d.ParamSchema,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Has checks if an action type is registered.
func (r *Registry) Has(actionType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.descriptors[actionType]
	return ok
}

// Count returns the number of registered action types.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.descriptors)
}
