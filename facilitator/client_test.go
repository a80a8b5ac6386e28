package facilitator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/nevermined-io/payments-go/types"
)

const testSubscriber = "0x1111111111111111111111111111111111111111"

func testToken(t *testing.T, planID string) string {
	t.Helper()
	claims, err := json.Marshal(map[string]any{
		"acceptedPlanId": planID,
		"payload": map[string]any{
			"authorization": map[string]any{"from": testSubscriber},
		},
	})
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	return "aGVhZGVy." + base64.RawURLEncoding.EncodeToString(claims) + ".c2ln"
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode request body: %v", err)
	}
	return body
}

func TestVerifyPermissions(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/permissions/verify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		gotBody = decodeBody(t, r)
		json.NewEncoder(w).Encode(types.VerifyResult{
			IsValid:        true,
			AgentRequestID: "req-1",
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	result, err := client.VerifyPermissions(context.Background(), VerifyParams{
		PaymentRequired: BuildPaymentRequired("plan-1", ChallengeOptions{Endpoint: "mcp://srv/tools/echo"}),
		AccessToken:     "tok",
		MaxAmount:       big.NewInt(2),
	})
	if err != nil {
		t.Fatalf("VerifyPermissions failed: %v", err)
	}
	if !result.IsValid || result.AgentRequestID != "req-1" {
		t.Errorf("unexpected result %+v", result)
	}
	if gotBody["x402AccessToken"] != "tok" {
		t.Errorf("access token not sent: %v", gotBody)
	}
	if gotBody["maxAmount"] != "2" {
		t.Errorf("maxAmount not sent as string: %v", gotBody["maxAmount"])
	}
}

func TestSettlePermissions(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/permissions/settle" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body := decodeBody(t, r)
		if body["agentRequestId"] != "req-1" {
			t.Errorf("agentRequestId not sent: %v", body)
		}
		json.NewEncoder(w).Encode(types.SettleResult{
			Success:         true,
			Transaction:     "0xdead",
			Network:         "eip155:84532",
			CreditsRedeemed: "2",
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	result, err := client.SettlePermissions(context.Background(), SettleParams{
		PaymentRequired: BuildPaymentRequired("plan-1", ChallengeOptions{Endpoint: "mcp://srv/tools/echo"}),
		AccessToken:     "tok",
		MaxAmount:       big.NewInt(2),
		AgentRequestID:  "req-1",
	})
	if err != nil {
		t.Fatalf("SettlePermissions failed: %v", err)
	}
	if !result.Success || result.Transaction != "0xdead" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestBackendError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		json.NewEncoder(w).Encode(map[string]string{"error": "plan exhausted"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.VerifyPermissions(context.Background(), VerifyParams{AccessToken: "tok"})

	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if backendErr.Status != http.StatusPaymentRequired {
		t.Errorf("unexpected status %d", backendErr.Status)
	}
	if backendErr.Message != "plan exhausted" {
		t.Errorf("unexpected message %q", backendErr.Message)
	}
}

func TestNetworkError(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	_, err := client.VerifyPermissions(context.Background(), VerifyParams{AccessToken: "tok"})

	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
}

func TestStartProcessingRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/did:nv:agent/initialize" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body := decodeBody(t, r)
		if body["endpoint"] != "mcp://srv/tools/echo" || body["httpVerb"] != "POST" {
			t.Errorf("unexpected body %v", body)
		}
		json.NewEncoder(w).Encode(types.StartAgentRequest{AgentRequestID: "req-9"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	result, err := client.StartProcessingRequest(context.Background(), "did:nv:agent", "tok", "mcp://srv/tools/echo", "POST", false)
	if err != nil {
		t.Fatalf("StartProcessingRequest failed: %v", err)
	}
	if result.AgentRequestID != "req-9" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestRedeemCreditsFromRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/redeem" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body := decodeBody(t, r)
		if body["planId"] != "plan-1" {
			t.Errorf("planId not extracted from token: %v", body)
		}
		if body["redeemFrom"] != testSubscriber {
			t.Errorf("redeemFrom not extracted from token: %v", body)
		}
		if body["amount"] != "3" {
			t.Errorf("amount not sent as string: %v", body)
		}
		json.NewEncoder(w).Encode(types.RedeemResult{TxHash: "0xbeef", Success: true})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	result, err := client.RedeemCreditsFromRequest(context.Background(), "req-1", testToken(t, "plan-1"), big.NewInt(3), false)
	if err != nil {
		t.Fatalf("RedeemCreditsFromRequest failed: %v", err)
	}
	if !result.Success || result.TxHash != "0xbeef" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestRedeemCreditsRejectsBadToken(t *testing.T) {
	client := NewClient(Config{BaseURL: "http://unused"})
	_, err := client.RedeemCreditsFromRequest(context.Background(), "req-1", "garbage", big.NewInt(1), false)
	if !errors.Is(err, types.ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestFinishSimulationRequestRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(types.RedeemResult{TxHash: "0x1", Success: true})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	result, err := client.FinishSimulationRequest(context.Background(), "req-1", testToken(t, "plan-1"), big.NewInt(1), false)
	if err != nil {
		t.Fatalf("FinishSimulationRequest failed: %v", err)
	}
	if !result.Success {
		t.Errorf("unexpected result %+v", result)
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestFinishSimulationRequestExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	_, err := client.FinishSimulationRequest(context.Background(), "req-1", testToken(t, "plan-1"), big.NewInt(1), false)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != simulateRedeemRetries {
		t.Errorf("expected %d calls, got %d", simulateRedeemRetries, calls.Load())
	}
}

func TestAgentPlans(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/did:nv:agent/plans" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"plans": []types.PlanInfo{{PlanID: "p1", Name: "Basic"}, {PlanID: "p2", Name: "Pro"}},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	plans, err := client.AgentPlans(context.Background(), "did:nv:agent")
	if err != nil {
		t.Fatalf("AgentPlans failed: %v", err)
	}
	if len(plans) != 2 || plans[0].PlanID != "p1" {
		t.Errorf("unexpected plans %+v", plans)
	}
}

func TestPlanSchemeCaching(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(types.PlanMetadata{PlanID: "p1", Scheme: "nvm:erc4337"})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	ctx := context.Background()
	if scheme := client.PlanScheme(ctx, "p1"); scheme != "nvm:erc4337" {
		t.Errorf("unexpected scheme %s", scheme)
	}
	if scheme := client.PlanScheme(ctx, "p1"); scheme != "nvm:erc4337" {
		t.Errorf("unexpected scheme %s", scheme)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one backend call, got %d", calls.Load())
	}
}

func TestPlanSchemeDefaultsOnFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	if scheme := client.PlanScheme(context.Background(), "missing"); scheme != SchemeDefault {
		t.Errorf("expected default scheme, got %s", scheme)
	}
}

func TestInfoCached(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(types.DeploymentInfo{
			Name:      "facilitator",
			Contracts: map[string]string{"credits": "0x2222222222222222222222222222222222222222"},
		})
	}))
	defer server.Close()

	client := NewClient(Config{BaseURL: server.URL})
	ctx := context.Background()
	info, err := client.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.Contracts["credits"] == "" {
		t.Errorf("contracts missing: %+v", info)
	}
	if _, err := client.Info(ctx); err != nil {
		t.Fatalf("cached Info failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected one backend call, got %d", calls.Load())
	}
}
