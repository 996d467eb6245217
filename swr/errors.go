package swr

import (
	"fmt"
)

// InvalidateError reports a failed entry delete, together with the stamp
// store error when that failed too.
type InvalidateError struct {
	Key      string
	DelErr   error
	StampErr error
}

func (e *InvalidateError) Error() string {
	if e.StampErr != nil {
		return fmt.Sprintf("invalidate %q: delete failed: %v; stamp forget failed: %v", e.Key, e.DelErr, e.StampErr)
	}
	return fmt.Sprintf("invalidate %q: delete failed: %v", e.Key, e.DelErr)
}

func (e *InvalidateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.DelErr != nil {
		errs = append(errs, e.DelErr)
	}
	if e.StampErr != nil {
		errs = append(errs, e.StampErr)
	}
	return errs
}
