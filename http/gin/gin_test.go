package gin

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/nevermined-io/payments-go/facilitator"
	x402http "github.com/nevermined-io/payments-go/http"
	"github.com/nevermined-io/payments-go/types"
)

func newBackend(t *testing.T, verify types.VerifyResult, settle types.SettleResult) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/permissions/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(verify)
	})
	mux.HandleFunc("POST /api/v1/permissions/settle", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(settle)
	})
	mux.HandleFunc("GET /api/v1/plans/{planID}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(types.PlanMetadata{PlanID: r.PathValue("planID"), Scheme: facilitator.SchemeDefault})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newEngine(t *testing.T, backend *httptest.Server, routes map[string]x402http.RouteConfig) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mw, err := PaymentMiddleware(x402http.Config{
		Facilitator: facilitator.NewClient(facilitator.Config{BaseURL: backend.URL}),
		Routes:      routes,
	})
	if err != nil {
		t.Fatalf("PaymentMiddleware failed: %v", err)
	}
	engine := gin.New()
	engine.Use(mw)
	engine.POST("/ask", func(c *gin.Context) {
		pc, _ := x402http.PaymentFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{"answer": "hi", "plan": pc.PlanID})
	})
	engine.GET("/free", func(c *gin.Context) {
		c.String(http.StatusOK, "free")
	})
	return engine
}

func TestGinMiddlewareHappyPath(t *testing.T) {
	backend := newBackend(t,
		types.VerifyResult{IsValid: true, AgentRequestID: "r1"},
		types.SettleResult{Success: true, Transaction: "0xdead", CreditsRedeemed: "2"})
	engine := newEngine(t, backend, map[string]x402http.RouteConfig{
		"POST /ask": {PlanID: "p1", Credits: big.NewInt(2)},
	})

	req := httptest.NewRequest(http.MethodPost, "http://localhost/ask", nil)
	req.Header.Set(x402http.HeaderPaymentSignature, "tok")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var settled types.SettleResult
	if err := types.DecodeHeader(rec.Header().Get(x402http.HeaderPaymentResponse), &settled); err != nil {
		t.Fatalf("payment-response not decodable: %v", err)
	}
	if !settled.Success || settled.Transaction != "0xdead" {
		t.Errorf("unexpected settle result %+v", settled)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if body["answer"] != "hi" || body["plan"] != "p1" {
		t.Errorf("handler body altered: %v", body)
	}
}

func TestGinMiddlewareChallengeWithoutBearer(t *testing.T) {
	backend := newBackend(t, types.VerifyResult{IsValid: true}, types.SettleResult{Success: true})
	engine := newEngine(t, backend, map[string]x402http.RouteConfig{
		"POST /ask": {PlanID: "p1"},
	})

	req := httptest.NewRequest(http.MethodPost, "http://localhost/ask", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var challenge types.PaymentRequired
	if err := types.DecodeHeader(rec.Header().Get(x402http.HeaderPaymentRequired), &challenge); err != nil {
		t.Fatalf("challenge not decodable: %v", err)
	}
	if len(challenge.Accepts) != 1 || challenge.Accepts[0].PlanID != "p1" {
		t.Errorf("unexpected challenge %+v", challenge)
	}
}

func TestGinMiddlewareRejectsInvalid(t *testing.T) {
	backend := newBackend(t,
		types.VerifyResult{IsValid: false, InvalidReason: "plan exhausted"},
		types.SettleResult{Success: true})
	engine := newEngine(t, backend, map[string]x402http.RouteConfig{
		"POST /ask": {PlanID: "p1"},
	})

	req := httptest.NewRequest(http.MethodPost, "http://localhost/ask", nil)
	req.Header.Set(x402http.HeaderPaymentSignature, "tok")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["message"] != "plan exhausted" {
		t.Errorf("invalidReason should reach the body: %v", body)
	}
}

func TestGinMiddlewarePassThrough(t *testing.T) {
	backend := newBackend(t, types.VerifyResult{IsValid: true}, types.SettleResult{Success: true})
	engine := newEngine(t, backend, map[string]x402http.RouteConfig{
		"POST /ask": {PlanID: "p1"},
	})

	req := httptest.NewRequest(http.MethodGet, "http://localhost/free", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK || rec.Body.String() != "free" {
		t.Fatalf("pass-through broken: %d %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(x402http.HeaderPaymentResponse) != "" {
		t.Error("pass-through must not settle")
	}
}
