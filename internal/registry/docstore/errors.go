package docstore

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a missing index or document.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// IndexNotFound returns the error every backend reports for a missing index.
func IndexNotFound(index string) error {
	return &NotFoundError{Resource: "index", ID: index}
}

// IsIndexNotFound reports whether err is a missing-index NotFoundError.
func IsIndexNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf) && nf.Resource == "index"
}

// IndexExistsError is returned by CreateIndex when the index is already present.
type IndexExistsError struct {
	Index string
}

func (e *IndexExistsError) Error() string {
	return fmt.Sprintf("index already exists: %s", e.Index)
}

// ValidationError indicates a client-side validation failure. Received
// carries the offending payload so it can be echoed back to the caller.
type ValidationError struct {
	Field    string
	Message  string
	Received any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ConflictError indicates an operation that cannot run concurrently with
// one already in progress.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}
