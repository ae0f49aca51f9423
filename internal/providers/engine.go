package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/schemewise/governance/internal/apperr"
	"github.com/schemewise/governance/internal/verdict"
)

const providerEngine = "engine"

// Engine produces eligibility verdicts.
type Engine interface {
	Check(ctx context.Context, apiKey string, req EngineRequest) (EngineResponse, error)
}

// EngineRequest asks for a verdict on one profile and scheme.
type EngineRequest struct {
	Profile  verdict.Profile `json:"profile"`
	SchemeID string          `json:"schemeId"`
	Language string          `json:"language"`
	Public   bool            `json:"public"`
}

// EngineResponse carries the verdict and the generation tokens it cost.
type EngineResponse struct {
	Verdict verdict.Verdict `json:"verdict"`
	Usage   struct {
		TotalTokens int64 `json:"totalTokens"`
	} `json:"usage"`
}

// EngineClient talks to the retrieval engine over HTTP JSON.
type EngineClient struct {
	baseURL string
	http    *http.Client
}

// NewEngineClient builds a client for baseURL.
func NewEngineClient(baseURL string) *EngineClient {
	return &EngineClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		// The dispatch gate bounds each call through the context.
		http: &http.Client{Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}},
	}
}

// Check posts req to {baseURL}/v1/verdicts.
func (c *EngineClient) Check(ctx context.Context, apiKey string, req EngineRequest) (EngineResponse, error) {
	if c.baseURL == "" {
		return EngineResponse{}, apperr.Errorf(apperr.KindInternal, "engine.Check", "engine url not configured")
	}
	body, errMarshal := json.Marshal(req)
	if errMarshal != nil {
		return EngineResponse{}, errMarshal
	}
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/verdicts", bytes.NewReader(body))
	if errReq != nil {
		return EngineResponse{}, fmt.Errorf("engine: build request: %w", errReq)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, errDo := c.http.Do(httpReq)
	if errDo != nil {
		return EngineResponse{}, fmt.Errorf("engine: request: %w", errDo)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	payload, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if errRead != nil {
		return EngineResponse{}, fmt.Errorf("engine: read response: %w", errRead)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return EngineResponse{}, &apperr.ProviderError{
			Provider:   providerEngine,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("engine: status=%d body=%s", resp.StatusCode, truncate(string(payload), 256)),
		}
	}
	var out EngineResponse
	if errUnmarshal := json.Unmarshal(payload, &out); errUnmarshal != nil {
		return EngineResponse{}, &apperr.ProviderError{Provider: providerEngine, StatusCode: http.StatusBadGateway,
			Err: fmt.Errorf("engine: decode response: %w", errUnmarshal)}
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
