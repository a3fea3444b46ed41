package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityClass_Valid(t *testing.T) {
	for _, class := range AllCapabilityClasses() {
		assert.True(t, class.Valid(), "class %s", class)
	}
	assert.False(t, CapabilityClass("bing").Valid())
}

func TestCapabilityClass_IsAI(t *testing.T) {
	assert.True(t, ClassQwenCompatible.IsAI())
	assert.True(t, ClassGemini.IsAI())
	assert.True(t, ClassOpenAI.IsAI())
	assert.True(t, ClassGroq.IsAI())
	assert.True(t, ClassDeepSeek.IsAI())
	assert.False(t, ClassExa.IsAI())
	assert.False(t, ClassJinaRead.IsAI())
}

func TestProviderEndpoint_Usable(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name     string
		endpoint ProviderEndpoint
		want     bool
	}{
		{
			name:     "active endpoint",
			endpoint: ProviderEndpoint{Status: ProviderActive},
			want:     true,
		},
		{
			name:     "error endpoint",
			endpoint: ProviderEndpoint{Status: ProviderError},
			want:     false,
		},
		{
			name:     "offline endpoint",
			endpoint: ProviderEndpoint{Status: ProviderOffline},
			want:     false,
		},
		{
			name: "rate limited before reset",
			endpoint: ProviderEndpoint{
				Status:         ProviderRateLimited,
				RateLimitReset: now.Add(time.Minute),
			},
			want: false,
		},
		{
			name: "rate limited after reset",
			endpoint: ProviderEndpoint{
				Status:         ProviderRateLimited,
				RateLimitReset: now.Add(-time.Second),
			},
			want: true,
		},
		{
			name: "error count at threshold",
			endpoint: ProviderEndpoint{
				Status:     ProviderActive,
				ErrorCount: MaxProviderErrors,
			},
			want: false,
		},
		{
			name: "error count below threshold",
			endpoint: ProviderEndpoint{
				Status:     ProviderActive,
				ErrorCount: MaxProviderErrors - 1,
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.endpoint.Usable(now))
		})
	}
}

func TestProviderEndpoint_KeyNeverSerializes(t *testing.T) {
	endpoint := ProviderEndpoint{
		Name:   "exa-1",
		Class:  ClassExa,
		Key:    "sk-secret-value",
		Status: ProviderActive,
	}

	data, err := json.Marshal(endpoint)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sk-secret-value")
	assert.Contains(t, string(data), "exa-1")
}

func TestStreamName_ServiceType(t *testing.T) {
	assert.Equal(t, ServiceSearch, StreamWeb.ServiceType())
	assert.Equal(t, ServiceSearch, StreamTrend.ServiceType())
	assert.Equal(t, ServiceSearch, StreamMarket.ServiceType())
	assert.Equal(t, ServiceSearch, StreamCompetitor.ServiceType())
	assert.Equal(t, ServiceSearch, StreamPredictive.ServiceType())
	assert.Equal(t, ServiceSocialInsights, StreamSocial.ServiceType())
	assert.Equal(t, ServiceSocialInsights, StreamBehavioral.ServiceType())
	assert.Equal(t, ServiceContentExtraction, StreamContent.ServiceType())
}
