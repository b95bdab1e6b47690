package httputil

import (
	"net/http"
	"time"
)

// CopyHTTPClientWithTimeout returns a shallow copy of base with its Timeout
// set. If base is nil, a new client using DefaultTransportWithMinTLS12 is
// created. The timeout is only overwritten when it is zero or force is true,
// so a caller-supplied client's own timeout is otherwise respected.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{
			Transport: DefaultTransportWithMinTLS12(),
			Timeout:   timeout,
		}
	}

	clone := *base
	if force || clone.Timeout == 0 {
		clone.Timeout = timeout
	}
	return &clone
}
