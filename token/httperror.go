package token

import "fmt"

// HTTPClientError reports a non-2xx answer from the Bling token
// endpoint; the status and body are relayed to the caller unchanged
type HTTPClientError struct {
	Code int
	Body []byte
}

func (e *HTTPClientError) Error() string {
	return fmt.Sprintf("status: %d message: %s", e.Code, e.Body)
}
