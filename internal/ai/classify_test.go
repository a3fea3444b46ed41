package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonSyntaxError(t *testing.T) error {
	t.Helper()
	var v map[string]any
	err := json.Unmarshal([]byte("{"), &v)
	require.Error(t, err)
	return fmt.Errorf("decoding response: %w", err)
}

func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want failureClass
	}{
		{
			name: "401 is fatal auth",
			err:  &openai.APIError{HTTPStatusCode: 401, Message: "Incorrect API key provided"},
			want: failAuth,
		},
		{
			name: "403 is fatal auth",
			err:  &openai.APIError{HTTPStatusCode: 403, Message: "forbidden"},
			want: failAuth,
		},
		{
			name: "402 is quota",
			err:  &openai.APIError{HTTPStatusCode: 402, Message: "payment required"},
			want: failQuota,
		},
		{
			name: "429 with quota language is quota",
			err:  &openai.APIError{HTTPStatusCode: 429, Message: "You exceeded your current quota"},
			want: failQuota,
		},
		{
			name: "429 with insufficient code is quota",
			err:  &openai.APIError{HTTPStatusCode: 429, Message: "billing hard limit", Code: "insufficient_quota"},
			want: failQuota,
		},
		{
			name: "plain 429 is rate limited",
			err:  &openai.APIError{HTTPStatusCode: 429, Message: "Rate limit reached, retry after 2s"},
			want: failRateLimited,
		},
		{
			name: "500 is network",
			err:  &openai.APIError{HTTPStatusCode: 500, Message: "internal error"},
			want: failNetwork,
		},
		{
			name: "400 is malformed",
			err:  &openai.APIError{HTTPStatusCode: 400, Message: "invalid request"},
			want: failMalformed,
		},
		{
			name: "rest 429 is rate limited",
			err:  &httpStatusError{status: 429, body: "slow down"},
			want: failRateLimited,
		},
		{
			name: "rest 429 quota body is quota",
			err:  &httpStatusError{status: 429, body: "quota exceeded for this billing period"},
			want: failQuota,
		},
		{
			name: "deadline is network",
			err:  fmt.Errorf("calling provider: %w", context.DeadlineExceeded),
			want: failNetwork,
		},
		{
			name: "net error is network",
			err:  &net.DNSError{Err: "timeout", IsTimeout: true},
			want: failNetwork,
		},
		{
			name: "empty response is malformed",
			err:  fmt.Errorf("provider reply: %w", errEmptyResponse),
			want: failMalformed,
		},
		{
			name: "unknown error is network",
			err:  errors.New("connection reset by peer"),
			want: failNetwork,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyFailure(tt.err))
		})
	}
}

func TestClassifyFailure_JSONDecodeIsMalformed(t *testing.T) {
	assert.Equal(t, failMalformed, classifyFailure(jsonSyntaxError(t)))
}

func TestFailureClassString(t *testing.T) {
	assert.Equal(t, "network", failNetwork.String())
	assert.Equal(t, "rate-limited", failRateLimited.String())
	assert.Equal(t, "quota-exceeded", failQuota.String())
	assert.Equal(t, "malformed-response", failMalformed.String())
	assert.Equal(t, "fatal-auth", failAuth.String())
}

func TestHTTPStatusError_TruncatesBody(t *testing.T) {
	err := &httpStatusError{status: 500, body: strings.Repeat("x", 500)}
	msg := err.Error()
	assert.Contains(t, msg, "unexpected status 500")
	assert.Contains(t, msg, "...")
	assert.Less(t, len(msg), 300)
}

func TestParseSearchQuery(t *testing.T) {
	tests := []struct {
		name string
		args string
		want string
	}{
		{"json object", `{"query":"vegan leather demand"}`, "vegan leather demand"},
		{"json with whitespace", `{"query":"  padded  "}`, "padded"},
		{"bare string", `vegan leather demand`, "vegan leather demand"},
		{"quoted bare string", `"vegan leather demand"`, "vegan leather demand"},
		{"empty object", `{}`, ""},
		{"empty string", ``, ""},
		{"broken json object", `{"query":`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseSearchQuery(tt.args))
		})
	}
}
