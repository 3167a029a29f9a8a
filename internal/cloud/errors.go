package cloud

import "fmt"

// AuthError reports a failed token acquisition. All variants are treated as
// retryable by the polling loop; the fields only shape the message.
type AuthError struct {
	Status int    // non-zero for HTTP-level failures
	Body   string // truncated response body for HTTP-level failures
	Msg    string // API-reported message for falsy success responses
	Err    error  // transport or decode failure
}

func (e *AuthError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("cloud auth: %v", e.Err)
	case e.Status != 0:
		return fmt.Sprintf("cloud auth: HTTP %d: %s", e.Status, e.Body)
	default:
		return fmt.Sprintf("cloud auth: %s", e.Msg)
	}
}

func (e *AuthError) Unwrap() error { return e.Err }

// DataError reports a failed device-data retrieval after authentication
// succeeded.
type DataError struct {
	Status int
	Body   string
	Err    error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cloud data: %v", e.Err)
	}
	return fmt.Sprintf("cloud data: HTTP %d: %s", e.Status, e.Body)
}

func (e *DataError) Unwrap() error { return e.Err }
