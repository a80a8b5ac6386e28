// Package http implements the x402 challenge/response middleware for
// net/http servers: it matches protected routes, verifies the
// payment-signature bearer with the facilitator, and settles credits
// inside the response write so the payment-response header precedes the
// body.
package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strings"

	"github.com/nevermined-io/payments-go/facilitator"
	"github.com/nevermined-io/payments-go/types"
)

// Wire header names. All three are lowercase on the wire.
const (
	HeaderPaymentSignature = "payment-signature"
	HeaderPaymentRequired  = "payment-required"
	HeaderPaymentResponse  = "payment-response"
)

// Config configures the middleware.
type Config struct {
	// Facilitator verifies and settles payments.
	Facilitator *facilitator.Client

	// Routes maps "METHOD /path" keys to their payment plans. Paths
	// support :name single-segment parameters.
	Routes map[string]RouteConfig

	// BearerHeaders are checked in order for the access token. Defaults
	// to payment-signature then Authorization.
	BearerHeaders []string

	// OnPaymentError observes facilitator backend and network errors.
	OnPaymentError func(r *http.Request, err error)

	Logger *slog.Logger
}

// PaymentContext is attached to the request context for downstream
// handlers once verification passes.
type PaymentContext struct {
	PlanID         string
	AccessToken    string
	Credits        *big.Int
	Payer          string
	AgentRequestID string
	AgentRequest   *types.StartAgentRequest
	RouteParams    map[string]string
}

type paymentContextKey struct{}

// PaymentFromContext returns the payment context installed by the
// middleware, if the request passed verification.
func PaymentFromContext(ctx context.Context) (*PaymentContext, bool) {
	pc, ok := ctx.Value(paymentContextKey{}).(*PaymentContext)
	return pc, ok
}

// WithPayment installs a payment context. Framework adapters use it to
// mirror the core middleware's behavior.
func WithPayment(ctx context.Context, pc *PaymentContext) context.Context {
	return context.WithValue(ctx, paymentContextKey{}, pc)
}

// Middleware builds the x402 middleware. Requests not matching any
// configured route pass through untouched.
func Middleware(cfg Config) (func(http.Handler) http.Handler, error) {
	table, err := NewRouter(cfg.Routes)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bearerHeaders := cfg.BearerHeaders
	if len(bearerHeaders) == 0 {
		bearerHeaders = []string{HeaderPaymentSignature, "Authorization"}
	}

	m := &middleware{
		cfg:           cfg,
		table:         table,
		logger:        logger,
		bearerHeaders: bearerHeaders,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.serve(w, r, next)
		})
	}, nil
}

type middleware struct {
	cfg           Config
	table         *Router
	logger        *slog.Logger
	bearerHeaders []string
}

func (m *middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	route, params, ok := m.table.Match(r)
	if !ok {
		next.ServeHTTP(w, r)
		return
	}

	challenge := m.cfg.Facilitator.ChallengeForPlan(r.Context(), route.PlanID, facilitator.ChallengeOptions{
		Endpoint:    requestURL(r),
		Description: route.Description,
		AgentID:     route.AgentID,
		HTTPVerb:    r.Method,
		Network:     route.Network,
		Scheme:      route.Scheme,
	})

	bearer := m.bearer(r)
	if bearer == "" {
		m.writeChallenge(w, challenge, "payment required", "missing payment-signature header")
		return
	}

	credits := route.Credits
	if route.CreditsFunc != nil {
		credits = route.CreditsFunc(r)
	}
	if credits == nil {
		credits = big.NewInt(1)
	}

	verify, err := m.cfg.Facilitator.VerifyPermissions(r.Context(), facilitator.VerifyParams{
		PaymentRequired: challenge,
		AccessToken:     bearer,
		MaxAmount:       credits,
	})
	if err != nil {
		m.paymentError(r, err)
		m.writeChallenge(w, challenge, "payment verification failed", err.Error())
		return
	}
	if !verify.IsValid {
		reason := verify.InvalidReason
		if reason == "" {
			reason = "payment rejected"
		}
		m.writeChallenge(w, challenge, "payment required", reason)
		return
	}

	pc := &PaymentContext{
		PlanID:         route.PlanID,
		AccessToken:    bearer,
		Credits:        credits,
		Payer:          verify.Payer,
		AgentRequestID: verify.AgentRequestID,
		AgentRequest:   verify.AgentRequest,
		RouteParams:    params,
	}
	ctx := context.WithValue(r.Context(), paymentContextKey{}, pc)

	interceptor := &settlementInterceptor{
		ResponseWriter: w,
		middleware:     m,
		request:        r,
		challenge:      challenge,
		payment:        pc,
	}
	next.ServeHTTP(interceptor, r.WithContext(ctx))
}

func (m *middleware) bearer(r *http.Request) string {
	for _, name := range m.bearerHeaders {
		if value := r.Header.Get(name); value != "" {
			return strings.TrimPrefix(value, "Bearer ")
		}
	}
	return ""
}

func (m *middleware) paymentError(r *http.Request, err error) {
	m.logger.Warn("facilitator call failed", "path", r.URL.Path, "error", err)
	if m.cfg.OnPaymentError != nil {
		m.cfg.OnPaymentError(r, err)
	}
}

// writeChallenge replies 402 with the base64 challenge header and a
// JSON body naming the reason.
func (m *middleware) writeChallenge(w http.ResponseWriter, challenge types.PaymentRequired, errText, message string) {
	encoded, err := types.EncodeHeader(challenge)
	if err != nil {
		m.logger.Error("failed to encode payment-required header", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set(HeaderPaymentRequired, encoded)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   errText,
		"message": message,
	})
}

// settlementInterceptor settles at WriteHeader time so the
// payment-response header is committed before any body bytes. A
// settlement failure is logged; the response is sent regardless.
type settlementInterceptor struct {
	http.ResponseWriter
	middleware *middleware
	request    *http.Request
	challenge  types.PaymentRequired
	payment    *PaymentContext
	settled    bool
}

func (i *settlementInterceptor) WriteHeader(status int) {
	if !i.settled {
		i.settled = true
		if status < http.StatusBadRequest {
			i.settle()
		}
	}
	i.ResponseWriter.WriteHeader(status)
}

func (i *settlementInterceptor) Write(b []byte) (int, error) {
	if !i.settled {
		i.WriteHeader(http.StatusOK)
	}
	return i.ResponseWriter.Write(b)
}

func (i *settlementInterceptor) Flush() {
	if flusher, ok := i.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (i *settlementInterceptor) settle() {
	m := i.middleware
	result, err := m.cfg.Facilitator.SettlePermissions(i.request.Context(), facilitator.SettleParams{
		PaymentRequired: i.challenge,
		AccessToken:     i.payment.AccessToken,
		MaxAmount:       i.payment.Credits,
		AgentRequestID:  i.payment.AgentRequestID,
	})
	if err != nil {
		m.paymentError(i.request, err)
		return
	}
	if !result.Success {
		m.logger.Warn("settlement rejected",
			"path", i.request.URL.Path,
			"planId", i.payment.PlanID,
			"reason", result.ErrorReason)
	}

	encoded, err := types.EncodeHeader(result)
	if err != nil {
		m.logger.Error("failed to encode payment-response header", "error", err)
		return
	}
	i.Header().Set(HeaderPaymentResponse, encoded)
}

// requestURL reconstructs the externally visible URL of the request.
func requestURL(r *http.Request) string {
	proto := r.Header.Get("x-forwarded-proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	return proto + "://" + r.Host + r.URL.RequestURI()
}
