package handlers

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/marketpipe/internal/registry"
)

// ProviderHandler exposes the provider registry state.
type ProviderHandler struct {
	registry *registry.Registry
}

// NewProviderHandler creates a provider handler.
func NewProviderHandler(reg *registry.Registry) *ProviderHandler {
	return &ProviderHandler{registry: reg}
}

// ProvidersResponse groups endpoint state by capability class. API keys
// never appear in the report.
type ProvidersResponse struct {
	Providers []registry.ClassStatus `json:"providers"`
}

// ListProvidersOutput wraps the provider report body.
type ListProvidersOutput struct {
	Body ProvidersResponse
}

// Register registers the provider operations with the API.
func (h *ProviderHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/api/v1/providers",
		Summary:     "List provider status",
		Description: "Returns every configured search provider grouped by capability class, with rate limit and error state.",
		Tags:        []string{"Providers"},
	}, h.ListProviders)
}

// ListProviders handles GET /api/v1/providers.
func (h *ProviderHandler) ListProviders(ctx context.Context, input *struct{}) (*ListProvidersOutput, error) {
	return &ListProvidersOutput{Body: ProvidersResponse{
		Providers: h.registry.StatusReport(),
	}}, nil
}
