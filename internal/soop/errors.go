package soop

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError is a network failure, timeout, 5xx or 429. It is retried.
type TransientError struct {
	Status int // 0 for network errors
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("soop: transient status %d", e.Status)
	}
	return fmt.Sprintf("soop: transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a 4xx other than 404 and 429. It is never retried.
type PermanentError struct {
	Status int
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("soop: permanent status %d (%s)", e.Status, http.StatusText(e.Status))
}

// MalformedResponseError describes a body that could not be decoded. It is
// logged and the lookup is treated as absent.
type MalformedResponseError struct {
	Body string // truncated
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("soop: malformed response %q: %v", e.Body, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
