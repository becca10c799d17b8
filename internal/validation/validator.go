package validation

// ActionLookup reports whether an action type is registered.
// Satisfied by *actions.Registry.
type ActionLookup interface {
	Has(actionType string) bool
}
