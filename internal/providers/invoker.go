// Package providers makes the actual upstream calls for fallback tiers.
// The invoker never holds raw provider secrets: it opens the sealed
// credential token just in time, uses the secret for one HTTP request, and
// lets it go out of scope.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"budget_gateway/internal/auth"
	"budget_gateway/internal/fallback"
	"budget_gateway/internal/utils"
	"budget_gateway/internal/vault"
)

const (
	defaultTimeout   = 60 * time.Second
	maxResponseBytes = 10 << 20 // 10 MB
)

// Endpoint describes where and how a provider is reached
type Endpoint struct {
	BaseURL    string
	Path       string // e.g. /chat/completions
	AuthHeader string // defaults to Authorization
	AuthPrefix string // defaults to "Bearer "
}

// HTTPInvoker implements fallback.Invoker over plain HTTP providers
type HTTPInvoker struct {
	vault     vault.Vault
	client    *http.Client
	endpoints map[string]Endpoint
	logger    *utils.Logger
}

// NewHTTPInvoker creates an invoker for the given provider endpoints
func NewHTTPInvoker(v vault.Vault, endpoints map[string]Endpoint) *HTTPInvoker {
	client := &http.Client{
		Timeout: defaultTimeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return &HTTPInvoker{
		vault:     v,
		client:    client,
		endpoints: endpoints,
		logger:    utils.NewLogger("providers"),
	}
}

// usageInfo is the usage block most OpenAI-compatible providers return
type usageInfo struct {
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke makes one provider call for a tier. Terminal tiers short-circuit
// to a canned degraded response without touching the network.
func (i *HTTPInvoker) Invoke(ctx context.Context, tier fallback.Tier, req *fallback.Request) (*fallback.Response, error) {
	if tier.Terminal {
		return degradedResponse(tier)
	}

	endpoint, ok := i.endpoints[tier.Provider]
	if !ok {
		return nil, fmt.Errorf("no endpoint configured for provider %s", tier.Provider)
	}

	bundle, err := auth.OpenCredentialToken(i.vault, req.CredentialToken, req.LeaseID)
	if err != nil {
		return nil, fmt.Errorf("credential rejected: %w", err)
	}
	if bundle.Provider != tier.Provider {
		return nil, fmt.Errorf("credential issued for provider %s, tier wants %s", bundle.Provider, tier.Provider)
	}

	payload := req.Payload
	if tier.Model != "" {
		payload, err = withModel(payload, tier.Model)
		if err != nil {
			return nil, err
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.BaseURL+endpoint.Path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	header := endpoint.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	prefix := endpoint.AuthPrefix
	if endpoint.AuthHeader == "" && endpoint.AuthPrefix == "" {
		prefix = "Bearer "
	}
	httpReq.Header.Set(header, prefix+bundle.Secret)

	resp, err := i.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		i.logger.Warn("Provider call failed", "provider", tier.Provider, "status", resp.StatusCode)
		return nil, fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var usage usageInfo
	_ = json.Unmarshal(body, &usage) // providers without a usage block report zero tokens

	return &fallback.Response{
		Provider:   tier.Provider,
		Model:      tier.Model,
		Body:       body,
		CostMicros: tier.CostMicros,
		Tokens:     usage.Usage.TotalTokens,
	}, nil
}

// withModel forces the tier's model into the payload
func withModel(payload json.RawMessage, model string) (json.RawMessage, error) {
	var m map[string]any
	if len(payload) == 0 {
		m = make(map[string]any)
	} else if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("invalid request payload: %w", err)
	}
	m["model"] = model
	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request payload: %w", err)
	}
	return out, nil
}

// degradedResponse is what the terminal tier answers with when every real
// provider is unavailable
func degradedResponse(tier fallback.Tier) (*fallback.Response, error) {
	body, err := json.Marshal(map[string]any{
		"degraded": true,
		"provider": tier.Provider,
		"message":  "all upstream providers are unavailable; degraded local response",
	})
	if err != nil {
		return nil, err
	}
	return &fallback.Response{
		Provider: tier.Provider,
		Model:    tier.Model,
		Body:     body,
		Degraded: true,
	}, nil
}
