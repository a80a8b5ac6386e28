package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cardServer(t *testing.T, card AgentCard, fetches *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/agent.json" {
			http.NotFound(w, r)
			return
		}
		if fetches != nil {
			fetches.Add(1)
		}
		json.NewEncoder(w).Encode(card)
	}))
	t.Cleanup(server.Close)
	return server
}

func staticTokens(token string) TokenProvider {
	return func(ctx context.Context, planID, agentID string) (string, error) {
		return token, nil
	}
}

func TestGetClientValidation(t *testing.T) {
	registry := NewClientRegistry(RegistryConfig{Tokens: staticTokens("tok")})
	cases := []GetClientParams{
		{AgentID: "a", PlanID: "p"},
		{AgentBaseURL: "http://host", PlanID: "p"},
		{AgentBaseURL: "http://host", AgentID: "a"},
	}
	for _, params := range cases {
		_, err := registry.GetClient(context.Background(), params)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestGetClientReturnsSameInstance(t *testing.T) {
	var fetches atomic.Int32
	server := cardServer(t, baseCard(), &fetches)
	registry := NewClientRegistry(RegistryConfig{Tokens: staticTokens("tok")})

	params := GetClientParams{AgentBaseURL: server.URL, AgentID: "a", PlanID: "p"}
	first, err := registry.GetClient(context.Background(), params)
	require.NoError(t, err)
	second, err := registry.GetClient(context.Background(), params)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), fetches.Load(), "card fetched once per tuple")

	// A trailing slash normalizes to the same tuple.
	slashed := params
	slashed.AgentBaseURL = server.URL + "/"
	third, err := registry.GetClient(context.Background(), slashed)
	require.NoError(t, err)
	assert.Same(t, first, third)
}

func TestGetClientDistinctTuples(t *testing.T) {
	server := cardServer(t, baseCard(), nil)
	registry := NewClientRegistry(RegistryConfig{Tokens: staticTokens("tok")})

	first, err := registry.GetClient(context.Background(), GetClientParams{AgentBaseURL: server.URL, AgentID: "a", PlanID: "p1"})
	require.NoError(t, err)
	second, err := registry.GetClient(context.Background(), GetClientParams{AgentBaseURL: server.URL, AgentID: "a", PlanID: "p2"})
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestGetClientConcurrentSameTuple(t *testing.T) {
	server := cardServer(t, baseCard(), nil)
	registry := NewClientRegistry(RegistryConfig{Tokens: staticTokens("tok")})
	params := GetClientParams{AgentBaseURL: server.URL, AgentID: "a", PlanID: "p"}

	const callers = 16
	clients := make([]*PaymentsClient, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := registry.GetClient(context.Background(), params)
			if err != nil {
				t.Error(err)
				return
			}
			clients[i] = client
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		assert.Same(t, clients[0], clients[i])
	}
}

func TestGetClientRejectsInvalidCard(t *testing.T) {
	invalid := baseCard()
	invalid.Name = ""
	server := cardServer(t, invalid, nil)
	registry := NewClientRegistry(RegistryConfig{Tokens: staticTokens("tok")})

	_, err := registry.GetClient(context.Background(), GetClientParams{AgentBaseURL: server.URL, AgentID: "a", PlanID: "p"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetClientCustomCardPath(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/agent.json" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(baseCard())
	}))
	t.Cleanup(server.Close)

	registry := NewClientRegistry(RegistryConfig{Tokens: staticTokens("tok")})
	client, err := registry.GetClient(context.Background(), GetClientParams{
		AgentBaseURL:  server.URL,
		AgentID:       "a",
		PlanID:        "p",
		AgentCardPath: "cards/agent.json",
	})
	require.NoError(t, err)
	assert.Equal(t, "translator", client.Card().Name)
}
