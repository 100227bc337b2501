package domain

import "fmt"

// ValidationError rejects a malformed mutation before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError rejects a mutation referencing an unknown task id.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return "task " + e.ID + " not found"
}

// PatchApplicationError reports a patch operation an observer could not
// apply. The operation is skipped and the stream continues; seeing one means
// server and client disagree on the patch vocabulary.
type PatchApplicationError struct {
	Op     Op
	Path   string
	Reason string
}

func (e PatchApplicationError) Error() string {
	return fmt.Sprintf("cannot apply %s %s: %s", e.Op, e.Path, e.Reason)
}
