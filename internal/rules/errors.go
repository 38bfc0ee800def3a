package rules

import "fmt"

// DefinitionError reports a malformed rule or condition discovered while
// loading a source: an unknown condition tag, a missing field, or a regular
// expression that does not compile. It is fatal to loading that source.
type DefinitionError struct {
	File  string
	Rule  string
	Field string
	Err   error
}

func (definitionError *DefinitionError) Error() string {
	return fmt.Sprintf("invalid rule definition in %s (rule %q, field %q): %v",
		definitionError.File, definitionError.Rule, definitionError.Field, definitionError.Err)
}

func (definitionError *DefinitionError) Unwrap() error {
	return definitionError.Err
}

// ValidationError reports a lower-precedence source trying to widen a
// same-named rule from a higher-precedence source. The offending source is
// skipped.
type ValidationError struct {
	File   string
	Rule   string
	Field  string
	Reason string
}

func (validationError *ValidationError) Error() string {
	return fmt.Sprintf("rule validation failed in %s (rule %q, field %q): %s",
		validationError.File, validationError.Rule, validationError.Field, validationError.Reason)
}
