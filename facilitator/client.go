// Package facilitator implements the HTTP client for the Nevermined
// facilitator backend: permission verification, credit settlement,
// request initialization and redemption, and the simulation endpoints.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nevermined-io/payments-go/types"
)

// DefaultTimeout is applied when the caller supplies neither an HTTP
// client nor a timeout.
const DefaultTimeout = 30 * time.Second

// simulateRedeemRetries is the number of attempts for FinishSimulationRequest.
const simulateRedeemRetries = 3

// simulateRedeemRetryDelay is the fixed delay between simulation retries.
const simulateRedeemRetryDelay = 1 * time.Second

// Config configures the facilitator client.
type Config struct {
	// BaseURL is the facilitator backend base URL, without trailing slash.
	BaseURL string

	// HTTPClient overrides the default client (optional).
	HTTPClient *http.Client

	// Timeout for requests when HTTPClient is not supplied (optional).
	Timeout time.Duration

	// Logger for request outcomes (optional, defaults to slog.Default).
	Logger *slog.Logger
}

// Client talks to the facilitator backend. It is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	plans      *planCache
	info       *infoCache
}

// NewClient creates a facilitator client for the given backend.
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
		plans:      newPlanCache(planCacheTTL),
		info:       newInfoCache(planCacheTTL),
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// VerifyParams is the body of a permissions verify call.
type VerifyParams struct {
	PaymentRequired types.PaymentRequired
	AccessToken     string
	MaxAmount       *big.Int
}

// SettleParams is the body of a permissions settle call.
type SettleParams struct {
	PaymentRequired types.PaymentRequired
	AccessToken     string
	MaxAmount       *big.Int
	AgentRequestID  string
	Batch           bool
	MarginPercent   float64
}

// VerifyPermissions asks the facilitator whether the token is entitled to
// the challenged resource.
func (c *Client) VerifyPermissions(ctx context.Context, params VerifyParams) (*types.VerifyResult, error) {
	body := map[string]any{
		"paymentRequired": params.PaymentRequired,
		"x402AccessToken": params.AccessToken,
	}
	if params.MaxAmount != nil {
		body["maxAmount"] = params.MaxAmount.String()
	}

	var result types.VerifyResult
	if err := c.post(ctx, "/api/v1/permissions/verify", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SettlePermissions burns credits for a verified request.
func (c *Client) SettlePermissions(ctx context.Context, params SettleParams) (*types.SettleResult, error) {
	body := map[string]any{
		"paymentRequired": params.PaymentRequired,
		"x402AccessToken": params.AccessToken,
	}
	if params.MaxAmount != nil {
		body["maxAmount"] = params.MaxAmount.String()
	}
	if params.AgentRequestID != "" {
		body["agentRequestId"] = params.AgentRequestID
	}
	if params.Batch {
		body["batch"] = true
	}
	if params.MarginPercent != 0 {
		body["marginPercent"] = params.MarginPercent
	}

	var result types.SettleResult
	if err := c.post(ctx, "/api/v1/permissions/settle", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartProcessingRequest initializes an agent request and returns the
// observability payload tracking it.
func (c *Client) StartProcessingRequest(ctx context.Context, agentID, accessToken, urlRequested, httpVerb string, batch bool) (*types.StartAgentRequest, error) {
	body := map[string]any{
		"accessToken": accessToken,
		"endpoint":    urlRequested,
		"httpVerb":    httpVerb,
		"batch":       batch,
	}

	var result types.StartAgentRequest
	path := "/api/v1/agents/" + url.PathEscape(agentID) + "/initialize"
	if err := c.post(ctx, path, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RedeemCreditsFromRequest burns credits against a previously initialized
// agent request. The wallet and plan are extracted from the access token.
func (c *Client) RedeemCreditsFromRequest(ctx context.Context, agentRequestID, accessToken string, creditsToBurn *big.Int, batch bool) (*types.RedeemResult, error) {
	token, err := types.DecodeAccessToken(accessToken)
	if err != nil {
		return nil, err
	}
	if !token.Usable() {
		return nil, fmt.Errorf("%w: token does not resolve a plan and subscriber", types.ErrInvalidToken)
	}

	body := map[string]any{
		"agentRequestId": agentRequestID,
		"planId":         token.AcceptedPlanID,
		"redeemFrom":     token.Subscriber(),
		"amount":         creditsToBurn.String(),
		"batch":          batch,
	}

	var result types.RedeemResult
	if err := c.post(ctx, "/api/v1/agents/redeem", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// StartSimulationRequest is the simulation counterpart of
// StartProcessingRequest; nothing is persisted on the backend.
func (c *Client) StartSimulationRequest(ctx context.Context, agentID, accessToken, urlRequested, httpVerb string, batch bool) (*types.StartAgentRequest, error) {
	body := map[string]any{
		"agentId":     agentID,
		"accessToken": accessToken,
		"endpoint":    urlRequested,
		"httpVerb":    httpVerb,
		"batch":       batch,
	}

	var result types.StartAgentRequest
	if err := c.post(ctx, "/api/v1/requests/simulate", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FinishSimulationRequest closes a simulated request. Retries up to 3
// times with a fixed 1 s delay; any error is retryable.
func (c *Client) FinishSimulationRequest(ctx context.Context, agentRequestID, accessToken string, creditsToBurn *big.Int, batch bool) (*types.RedeemResult, error) {
	token, err := types.DecodeAccessToken(accessToken)
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"agentRequestId": agentRequestID,
		"planId":         token.AcceptedPlanID,
		"redeemFrom":     token.Subscriber(),
		"amount":         creditsToBurn.String(),
		"batch":          batch,
	}

	var lastErr error
	for attempt := range simulateRedeemRetries {
		var result types.RedeemResult
		lastErr = c.post(ctx, "/api/v1/requests/redeem-simulate", body, &result)
		if lastErr == nil {
			return &result, nil
		}

		if attempt < simulateRedeemRetries-1 {
			c.logger.Warn("redeem-simulate failed, retrying",
				"attempt", attempt+1,
				"error", lastErr)
			select {
			case <-time.After(simulateRedeemRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// AgentPlans lists the payment plans associated with an agent.
func (c *Client) AgentPlans(ctx context.Context, agentID string) ([]types.PlanInfo, error) {
	var result struct {
		Plans []types.PlanInfo `json:"plans"`
	}
	path := "/api/v1/agents/" + url.PathEscape(agentID) + "/plans"
	if err := c.get(ctx, path, &result); err != nil {
		return nil, err
	}
	return result.Plans, nil
}

// PlanMetadata fetches the full plan record for a plan.
func (c *Client) PlanMetadata(ctx context.Context, planID string) (*types.PlanMetadata, error) {
	var result types.PlanMetadata
	if err := c.get(ctx, "/api/v1/plans/"+url.PathEscape(planID), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PlanScheme resolves the payment scheme of a plan, consulting the
// 5-minute cache first. Lookup failures fall back to SchemeDefault
// without caching, so a recovered backend is picked up on the next call.
func (c *Client) PlanScheme(ctx context.Context, planID string) string {
	if scheme, ok := c.plans.get(planID); ok {
		return scheme
	}

	meta, err := c.PlanMetadata(ctx, planID)
	if err != nil || meta.Scheme == "" {
		if err != nil {
			c.logger.Warn("plan metadata lookup failed, using default scheme",
				"planId", planID,
				"error", err)
		}
		return SchemeDefault
	}

	c.plans.put(planID, meta.Scheme)
	return meta.Scheme
}

// ChallengeForPlan builds a PaymentRequired challenge, resolving the
// scheme from plan metadata when the options leave it unset.
func (c *Client) ChallengeForPlan(ctx context.Context, planID string, opts ChallengeOptions) types.PaymentRequired {
	if opts.Scheme == "" {
		opts.Scheme = c.PlanScheme(ctx, planID)
	}
	return BuildPaymentRequired(planID, opts)
}

// Info fetches the deployment info document from the backend root,
// caching it with the plan cache's TTL.
func (c *Client) Info(ctx context.Context) (*types.DeploymentInfo, error) {
	if info, ok := c.info.get(); ok {
		return info, nil
	}

	var result types.DeploymentInfo
	if err := c.get(ctx, "/", &result); err != nil {
		return nil, err
	}
	c.info.put(&result)
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{URL: req.URL.String(), Err: err}
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{URL: req.URL.String(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &BackendError{
			Status:  resp.StatusCode,
			Message: backendMessage(resp.StatusCode, responseBody),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return fmt.Errorf("failed to decode facilitator response: %w", err)
	}
	return nil
}

// backendMessage extracts the server-supplied error message from a body
// shaped {error} or {message}, falling back to the status text.
func backendMessage(status int, body []byte) string {
	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if parsed.Error != "" {
			return parsed.Error
		}
		if parsed.Message != "" {
			return parsed.Message
		}
	}
	if len(body) > 0 {
		return strings.TrimSpace(string(body))
	}
	return http.StatusText(status)
}
