package payments

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nevermined-io/payments-go/facilitator"
	"github.com/nevermined-io/payments-go/requestctx"
	"github.com/nevermined-io/payments-go/types"
)

// Facilitator is the slice of the facilitator client the engine needs.
// *facilitator.Client satisfies it.
type Facilitator interface {
	VerifyPermissions(ctx context.Context, params facilitator.VerifyParams) (*types.VerifyResult, error)
	SettlePermissions(ctx context.Context, params facilitator.SettleParams) (*types.SettleResult, error)
	AgentPlans(ctx context.Context, agentID string) ([]types.PlanInfo, error)
	ChallengeForPlan(ctx context.Context, planID string, opts facilitator.ChallengeOptions) types.PaymentRequired
}

// deniedPlanListLimit bounds the plan enumeration in denial messages.
const deniedPlanListLimit = 3

// Authenticator resolves the bearer token of an inbound call and checks
// entitlement with the facilitator, falling back from the logical URL to
// the HTTP URL of the request.
type Authenticator struct {
	Facilitator Facilitator
	AgentID     string
	ServerName  string
	Logger      *slog.Logger
}

func (a *Authenticator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Authenticate verifies entitlement for a tool, resource, or prompt call.
func (a *Authenticator) Authenticate(ctx context.Context, opts PaywallOptions, extra *RequestExtra, args map[string]any) (*AuthResult, error) {
	kind := opts.Kind
	if kind == "" {
		kind = KindTool
	}
	logicalURL := LogicalURL(kind, a.ServerName, opts.Name, args)
	return a.verifyWithFallback(ctx, logicalURL, opts, extra)
}

// AuthenticateMeta verifies entitlement for a meta method such as
// tools/list.
func (a *Authenticator) AuthenticateMeta(ctx context.Context, method string, extra *RequestExtra) (*AuthResult, error) {
	return a.verifyWithFallback(ctx, MetaURL(a.ServerName, method), PaywallOptions{Name: method}, extra)
}

func (a *Authenticator) verifyWithFallback(ctx context.Context, logicalURL string, opts PaywallOptions, extra *RequestExtra) (*AuthResult, error) {
	if a.AgentID == "" {
		return nil, Misconfiguration("agent id is not configured")
	}

	bearer := extractBearer(ctx, extra)
	if bearer == "" {
		return nil, PaymentRequiredError("payment required: no bearer token provided", "missing")
	}

	httpURL := httpURLFromContext(ctx)

	var subscriber, tokenPlan string
	token, err := types.DecodeAccessToken(bearer)
	if err != nil {
		a.logger().Debug("access token not decodable, deferring to facilitator", "error", err)
		token = nil
	} else {
		subscriber = token.Subscriber()
		tokenPlan = token.AcceptedPlanID
	}

	planID := opts.PlanID
	if planID == "" {
		planID = tokenPlan
	}
	if planID == "" {
		if plans, perr := a.Facilitator.AgentPlans(ctx, a.AgentID); perr == nil && len(plans) > 0 {
			planID = plans[0].PlanID
		}
	}

	verify := func(endpoint string) (*types.VerifyResult, error) {
		challenge := a.Facilitator.ChallengeForPlan(ctx, planID, facilitator.ChallengeOptions{
			Endpoint: endpoint,
			AgentID:  a.AgentID,
			HTTPVerb: http.MethodPost,
		})
		return a.Facilitator.VerifyPermissions(ctx, facilitator.VerifyParams{
			PaymentRequired: challenge,
			AccessToken:     bearer,
			MaxAmount:       opts.MaxAmount,
		})
	}

	result, verifyErr := verify(logicalURL)
	if (verifyErr != nil || !result.IsValid) && httpURL != "" {
		a.logger().Info("verification against logical URL failed, retrying with HTTP URL",
			"logicalUrl", logicalURL,
			"httpUrl", httpURL)
		if retried, retryErr := verify(httpURL); retryErr == nil && retried.IsValid {
			result, verifyErr = retried, nil
		}
	}

	if verifyErr != nil || !result.IsValid {
		return nil, a.denied(ctx, result, verifyErr)
	}

	auth := &AuthResult{
		Token:             token,
		RawToken:          bearer,
		AgentID:           a.AgentID,
		PlanID:            planID,
		SubscriberAddress: subscriber,
		LogicalURL:        logicalURL,
		HTTPURL:           httpURL,
		AgentRequestID:    result.AgentRequestID,
		AgentRequest:      result.AgentRequest,
	}
	if auth.SubscriberAddress == "" {
		auth.SubscriberAddress = result.Payer
	}
	if auth.PlanID == "" && result.AgentRequest != nil && result.AgentRequest.Balance != nil {
		auth.PlanID = result.AgentRequest.Balance.PlanID
	}
	return auth, nil
}

// denied builds the -32003 rejection, enumerating up to three of the
// agent's plans on a best-effort basis.
func (a *Authenticator) denied(ctx context.Context, result *types.VerifyResult, verifyErr error) *RPCError {
	message := "payment required: token rejected"
	if result != nil && result.InvalidReason != "" {
		message = "payment required: " + result.InvalidReason
	} else if verifyErr != nil {
		message = "payment required: " + verifyErr.Error()
	}

	if plans, err := a.Facilitator.AgentPlans(ctx, a.AgentID); err == nil && len(plans) > 0 {
		if len(plans) > deniedPlanListLimit {
			plans = plans[:deniedPlanListLimit]
		}
		ids := make([]string, len(plans))
		for i, plan := range plans {
			ids[i] = plan.PlanID
		}
		message += "; available plans: " + strings.Join(ids, ", ")
	}

	return PaymentRequiredError(message, "invalid")
}

// extractBearer walks the known header carriers in order: the transport
// envelope handed over by the SDK, the request _meta object, then the
// request-context store. The first non-empty value wins.
func extractBearer(ctx context.Context, extra *RequestExtra) string {
	sources := []func() string{
		func() string {
			if extra == nil {
				return ""
			}
			return extra.Header.Get("Authorization")
		},
		func() string {
			if extra == nil {
				return ""
			}
			return extra.Header.Get("payment-signature")
		},
		func() string { return metaHeader(extra, "authorization") },
		func() string { return metaHeader(extra, "payment-signature") },
		func() string {
			if rc, ok := requestctx.From(ctx); ok {
				return rc.Header("authorization")
			}
			return ""
		},
		func() string {
			if rc, ok := requestctx.From(ctx); ok {
				return rc.Header("payment-signature")
			}
			return ""
		},
	}

	for _, source := range sources {
		if value := source(); value != "" {
			return strings.TrimPrefix(value, "Bearer ")
		}
	}
	return ""
}

// metaHeader looks for a headers object inside the request _meta and
// reads a value from it case-insensitively.
func metaHeader(extra *RequestExtra, name string) string {
	if extra == nil || extra.Meta == nil {
		return ""
	}
	headers, ok := extra.Meta["headers"].(map[string]any)
	if !ok {
		return ""
	}
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			if s, ok := value.(string); ok {
				return s
			}
		}
	}
	return ""
}

// httpURLFromContext reconstructs the HTTP URL of the inbound request:
// <proto>://<host><path>, with proto defaulting to http.
func httpURLFromContext(ctx context.Context) string {
	rc, ok := requestctx.From(ctx)
	if !ok {
		return ""
	}
	host := rc.Header("host")
	if host == "" {
		return ""
	}
	proto := rc.Header("x-forwarded-proto")
	if proto == "" {
		proto = "http"
	}
	return proto + "://" + host + rc.URL
}
