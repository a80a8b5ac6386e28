package facilitator

import "fmt"

// BackendError is a non-2xx answer from the facilitator, carrying the
// HTTP status and the server-supplied message.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("facilitator returned %d: %s", e.Status, e.Message)
}

// NetworkError wraps a transport-level failure reaching the facilitator.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("facilitator request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
