package distributor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingWorkerPool      = errors.New("distributor: worker pool is required")
	ErrNoFeaturesProvided     = errors.New("distributor: no features provided")
	ErrDistributionInProgress = errors.New("distributor: distribution already in progress")
	// ErrRunFailed is returned with the summary when a fail-fast run ends with
	// a failed feature.
	ErrRunFailed = errors.New("distributor: run failed")
	// ErrNothingToResume means no persisted progress exists for the request.
	ErrNothingToResume = errors.New("distributor: nothing to resume")
)

// DependencyValidationError reports an unknown dependency, a duplicate id or
// another structural problem found before any work starts.
type DependencyValidationError struct {
	Err error
}

func (e *DependencyValidationError) Error() string {
	return fmt.Sprintf("distributor: dependency validation failed: %v", e.Err)
}

func (e *DependencyValidationError) Unwrap() error { return e.Err }

// CircularDependencyError reports a dependency cycle.
type CircularDependencyError struct {
	Cycle []string
	Err   error
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("distributor: circular dependency: %s", strings.Join(e.Cycle, " -> "))
}

func (e *CircularDependencyError) Unwrap() error { return e.Err }

// ResumeMismatchError means the persisted progress belongs to another set of
// features.
type ResumeMismatchError struct {
	FeatureID string
}

func (e *ResumeMismatchError) Error() string {
	return fmt.Sprintf("distributor: persisted progress has no entry for feature %s", e.FeatureID)
}
