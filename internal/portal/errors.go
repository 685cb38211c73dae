package portal

import "fmt"

// AuthError means the portal rejected the credentials. Not retryable.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return e.Message
}

// NavigationError means a page did not have the expected shape (missing
// postback state, missing month header). Fatal for the month being fetched.
type NavigationError struct {
	Message string
}

func (e *NavigationError) Error() string {
	return e.Message
}

// ServerError covers 5xx responses, timeouts and transport failures.
// Retryable with backoff.
type ServerError struct {
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("server error: %v", e.Err)
	}
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
