package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// TokenProvider resolves an x402 access token for a plan/agent pair,
// typically by ordering against the plan or reusing an existing
// subscription.
type TokenProvider func(ctx context.Context, planID, agentID string) (string, error)

const defaultAgentCardPath = ".well-known/agent.json"

// GetClientParams identify one remote paid agent.
type GetClientParams struct {
	AgentBaseURL string
	AgentID      string
	PlanID       string

	// AgentCardPath defaults to .well-known/agent.json.
	AgentCardPath string
}

type clientKey struct {
	baseURL string
	agentID string
	planID  string
}

// RegistryConfig configures a ClientRegistry.
type RegistryConfig struct {
	// Tokens resolves access tokens for new and cleared clients.
	// Required.
	Tokens TokenProvider

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ClientRegistry caches one PaymentsClient per (base URL, agent, plan)
// tuple. Concurrent first requests for the same tuple produce a single
// client; the card fetch happens outside the lock.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[clientKey]*PaymentsClient

	httpClient *http.Client
	tokens     TokenProvider
	logger     *slog.Logger
}

func NewClientRegistry(cfg RegistryConfig) *ClientRegistry {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientRegistry{
		clients:    make(map[clientKey]*PaymentsClient),
		httpClient: httpClient,
		tokens:     cfg.Tokens,
		logger:     logger,
	}
}

// GetClient returns the cached client for the tuple, fetching and
// validating the remote agent card on first use.
func (r *ClientRegistry) GetClient(ctx context.Context, params GetClientParams) (*PaymentsClient, error) {
	if params.AgentBaseURL == "" {
		return nil, fmt.Errorf("%w: agentBaseUrl is required", ErrValidation)
	}
	if params.AgentID == "" {
		return nil, fmt.Errorf("%w: agentId is required", ErrValidation)
	}
	if params.PlanID == "" {
		return nil, fmt.Errorf("%w: planId is required", ErrValidation)
	}

	key := clientKey{
		baseURL: strings.TrimSuffix(params.AgentBaseURL, "/"),
		agentID: params.AgentID,
		planID:  params.PlanID,
	}

	r.mu.Lock()
	if client, ok := r.clients[key]; ok {
		r.mu.Unlock()
		return client, nil
	}
	r.mu.Unlock()

	card, err := r.fetchAgentCard(ctx, key.baseURL, params.AgentCardPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another caller may have won the race while we fetched the card.
	if client, ok := r.clients[key]; ok {
		return client, nil
	}
	client := &PaymentsClient{
		endpoint:   key.baseURL,
		agentID:    key.agentID,
		planID:     key.planID,
		card:       card,
		httpClient: r.httpClient,
		tokens:     r.tokens,
		logger:     r.logger,
	}
	r.clients[key] = client
	r.logger.Debug("a2a client created",
		"baseUrl", key.baseURL,
		"agentId", key.agentID,
		"planId", key.planID)
	return client, nil
}

func (r *ClientRegistry) fetchAgentCard(ctx context.Context, baseURL, cardPath string) (*AgentCard, error) {
	if cardPath == "" {
		cardPath = defaultAgentCardPath
	}
	url := baseURL + "/" + strings.TrimPrefix(cardPath, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build agent card request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch agent card from %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch agent card from %s: status %d", url, resp.StatusCode)
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("decode agent card from %s: %w", url, err)
	}
	if err := ValidateAgentCard(card); err != nil {
		return nil, err
	}
	return &card, nil
}
