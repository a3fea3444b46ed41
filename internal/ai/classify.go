package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// failureClass buckets provider failures into the retry policies they get.
type failureClass int

const (
	// failNetwork covers timeouts, connection failures, and 5xx responses.
	// Retried up to two times on the same endpoint, then failover.
	failNetwork failureClass = iota
	// failRateLimited covers 429 responses without quota language. Retried
	// once on the same endpoint after a back-off, then failover.
	failRateLimited
	// failQuota covers exhausted quotas. The provider class is out for the
	// rest of the process.
	failQuota
	// failMalformed covers unparseable or empty responses. One retry, then
	// failover.
	failMalformed
	// failAuth covers credential rejections. The provider class is out for
	// the rest of the process.
	failAuth
)

func (f failureClass) String() string {
	switch f {
	case failNetwork:
		return "network"
	case failRateLimited:
		return "rate-limited"
	case failQuota:
		return "quota-exceeded"
	case failMalformed:
		return "malformed-response"
	case failAuth:
		return "fatal-auth"
	}
	return "unknown"
}

// errEmptyResponse marks a structurally valid response with no usable text.
var errEmptyResponse = errors.New("provider returned an empty response")

// httpStatusError carries a non-2xx response for classification.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.status, truncate(e.body, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// classifyFailure maps a provider error onto its retry policy bucket.
func classifyFailure(err error) failureClass {
	if errors.Is(err, errEmptyResponse) {
		return failMalformed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return failMalformed
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return failNetwork
	}

	status := 0
	message := ""
	var apiErr *openai.APIError
	var statusErr *httpStatusError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
		message = apiErr.Message
		if code, ok := apiErr.Code.(string); ok {
			message += " " + code
		}
	case errors.As(err, &statusErr):
		status = statusErr.status
		message = statusErr.body
	default:
		return failNetwork
	}

	lower := strings.ToLower(message)
	switch {
	case status == 401 || status == 403:
		return failAuth
	case status == 402:
		return failQuota
	case status == 429:
		if strings.Contains(lower, "quota") || strings.Contains(lower, "insufficient") ||
			strings.Contains(lower, "billing") {
			return failQuota
		}
		return failRateLimited
	case status == 400 || status == 404 || status == 422:
		return failMalformed
	default:
		return failNetwork
	}
}
