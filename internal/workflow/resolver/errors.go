package resolver

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyInput is returned when no features are supplied.
var ErrEmptyInput = errors.New("resolver: no features provided")

// UnknownDependencyError reports a dependency on a feature that is not part of
// the submitted set.
type UnknownDependencyError struct {
	FeatureID string
	Missing   string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("resolver: feature %s depends on unknown feature %s", e.FeatureID, e.Missing)
}

// DuplicateFeatureError reports two features sharing an identifier.
type DuplicateFeatureError struct {
	FeatureID string
}

func (e *DuplicateFeatureError) Error() string {
	return fmt.Sprintf("resolver: duplicate feature id %s", e.FeatureID)
}

// CycleError reports a dependency cycle. Cycle lists the members in
// dependency order with the first member repeated at the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("resolver: circular dependency detected: %s", strings.Join(e.Cycle, " -> "))
}
