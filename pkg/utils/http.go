package utils

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by NewDefaultHTTPClient.
const DefaultHTTPTimeout = 30 * time.Second

// NewDefaultHTTPClient returns an http.Client with DefaultHTTPTimeout.
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultHTTPTimeout}
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s (URL: %s)", e.StatusCode, e.Message, e.URL)
}

// CheckHTTPResponse converts a >= 400 response into an HTTPError carrying the
// (truncated) response body.
func CheckHTTPResponse(resp *http.Response, url string) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = resp.Status
	}
	return HTTPError{
		StatusCode: resp.StatusCode,
		Message:    msg,
		URL:        url,
	}
}

// SafeCloseResponse closes a response body, logging close failures.
func SafeCloseResponse(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		if err := resp.Body.Close(); err != nil {
			log.Printf("Warning: failed to close HTTP response body: %v", err)
		}
	}
}
