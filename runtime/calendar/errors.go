package calendar

import "errors"

// ProviderError wraps a failed provider request. Its message never carries
// vendor details; those stay in the wrapped cause.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	if e.Op == "" {
		return "provider request failed"
	}
	return "provider request failed: " + e.Op
}

func (e *ProviderError) Unwrap() error { return e.Err }

// WrapProvider wraps err in a *ProviderError unless it already is one.
func WrapProvider(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Err: err}
}
