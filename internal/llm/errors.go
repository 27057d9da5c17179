package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrParse marks a reply that arrived but could not be decoded.
	ErrParse = errors.New("llm: malformed response")
	// ErrMissingKey is returned before any request is made.
	ErrMissingKey = errors.New("llm: api key missing")
)

// APIError is a non-2xx reply from an HTTP collaborator.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: status=%d body=%s", e.Status, e.Body)
}
