package query

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a row or table does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError reports a request that references unknown columns or is
// otherwise malformed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
