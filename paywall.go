package payments

import (
	"context"
	"iter"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/nevermined-io/payments-go/facilitator"
	"github.com/nevermined-io/payments-go/types"
)

// Paywall wraps handlers with the verify -> handler -> settle pipeline.
// It holds configuration only; per-request state lives on the stack.
type Paywall struct {
	Auth   *Authenticator
	Logger *slog.Logger
}

func (p *Paywall) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Wrap decorates a handler with entitlement verification, credit
// resolution, settlement, and metadata emission. The returned handler
// never invokes the inner one without a verified bearer.
func (p *Paywall) Wrap(handler Handler, opts PaywallOptions) Handler {
	return func(ctx context.Context, args map[string]any, extra *RequestExtra, _ *PaywallContext) (HandlerOutput, error) {
		if p.Auth == nil || p.Auth.AgentID == "" {
			return HandlerOutput{}, Misconfiguration("paywall is not configured with an agent id")
		}

		auth, err := p.Auth.Authenticate(ctx, opts, extra, args)
		if err != nil {
			return HandlerOutput{}, err
		}

		fixed := opts.Credits == nil || opts.Credits.Fn == nil

		// Fixed credits are priced before the handler so it can see them.
		var credits *big.Int
		if fixed {
			credits, err = resolveCredits(opts.Credits, args, nil, auth, opts.Name)
			if err != nil {
				return HandlerOutput{}, err
			}
		}

		planID := opts.PlanID
		if planID == "" {
			planID = auth.PlanID
		}

		pctx := &PaywallContext{
			Auth:              auth,
			Credits:           credits,
			PlanID:            planID,
			SubscriberAddress: auth.SubscriberAddress,
			AgentRequest:      auth.AgentRequest,
		}

		out, err := handler(ctx, args, extra, pctx)
		if err != nil {
			// Entitlement was verified but nothing is burned for a
			// failed handler. The error propagates unchanged.
			return HandlerOutput{}, err
		}

		if out.IsStream() {
			if !fixed {
				credits, err = resolveCredits(opts.Credits, args, nil, auth, opts.Name)
				if err != nil {
					return HandlerOutput{}, err
				}
			}
			pctx.Credits = credits
			return StreamOutput(p.wrapStream(ctx, out.Stream(), auth, opts, planID, credits)), nil
		}

		result := out.Value()
		if !fixed {
			credits, err = resolveCredits(opts.Credits, args, result, auth, opts.Name)
			if err != nil {
				return HandlerOutput{}, err
			}
		}
		pctx.Credits = credits

		meta, err := p.settle(ctx, auth, opts, planID, credits)
		if err != nil {
			return HandlerOutput{}, err
		}
		return ValueOutput(mergeMeta(result, meta)), nil
	}
}

// wrapStream re-yields every chunk of the source, settles once the
// source is exhausted, and appends a terminal _meta chunk. When the
// consumer stops early the deferred settlement still runs, so credits
// are burned exactly once, but the _meta chunk is never delivered.
func (p *Paywall) wrapStream(ctx context.Context, src iter.Seq[any], auth *AuthResult, opts PaywallOptions, planID string, credits *big.Int) iter.Seq[any] {
	return func(yield func(any) bool) {
		settled := false
		var meta map[string]any
		var settleErr error
		settle := func() {
			if settled {
				return
			}
			settled = true
			meta, settleErr = p.settle(ctx, auth, opts, planID, credits)
		}
		defer settle()

		for chunk := range src {
			if !yield(chunk) {
				return
			}
		}

		settle()
		if settleErr != nil {
			// There is no response left to fail; the consumer already
			// received every data chunk.
			p.logger().Error("stream settlement failed", "planId", planID, "error", settleErr)
			return
		}
		yield(map[string]any{"_meta": meta})
	}
}

// settle burns credits and produces the response metadata. Failures are
// recorded in the metadata unless the options ask for propagation.
func (p *Paywall) settle(ctx context.Context, auth *AuthResult, opts PaywallOptions, planID string, credits *big.Int) (map[string]any, error) {
	meta := map[string]any{
		"planId":            planID,
		"subscriberAddress": auth.SubscriberAddress,
	}

	if credits == nil || credits.Sign() <= 0 {
		meta["success"] = true
		meta["creditsRedeemed"] = "0"
		return meta, nil
	}

	result, err := p.settleWithFallback(ctx, auth, planID, credits)
	if err != nil || !result.Success {
		reason := "settlement failed"
		if err != nil {
			reason = err.Error()
		} else if result.ErrorReason != "" {
			reason = result.ErrorReason
		}
		p.logger().Warn("credit settlement failed",
			"planId", planID,
			"subscriber", auth.SubscriberAddress,
			"reason", reason)
		if opts.OnRedeemError == RedeemErrorPropagate {
			return nil, Misconfiguration("credit settlement failed: " + reason)
		}
		meta["success"] = false
		meta["errorReason"] = reason
		return meta, nil
	}

	meta["success"] = true
	if result.Transaction != "" {
		meta["txHash"] = result.Transaction
	}
	if result.CreditsRedeemed != "" {
		meta["creditsRedeemed"] = result.CreditsRedeemed
	}
	if result.RemainingBalance != "" {
		meta["remainingBalance"] = result.RemainingBalance
	}
	return meta, nil
}

// settleWithFallback settles against the logical URL, retrying once with
// the HTTP URL of the request when one was captured.
func (p *Paywall) settleWithFallback(ctx context.Context, auth *AuthResult, planID string, credits *big.Int) (*types.SettleResult, error) {
	attempt := func(endpoint string) (*types.SettleResult, error) {
		challenge := p.Auth.Facilitator.ChallengeForPlan(ctx, planID, facilitator.ChallengeOptions{
			Endpoint: endpoint,
			AgentID:  auth.AgentID,
			HTTPVerb: http.MethodPost,
		})
		return p.Auth.Facilitator.SettlePermissions(ctx, facilitator.SettleParams{
			PaymentRequired: challenge,
			AccessToken:     auth.RawToken,
			MaxAmount:       credits,
			AgentRequestID:  auth.AgentRequestID,
		})
	}

	result, err := attempt(auth.LogicalURL)
	if (err != nil || !result.Success) && auth.HTTPURL != "" {
		if retried, retryErr := attempt(auth.HTTPURL); retryErr == nil && retried.Success {
			return retried, nil
		}
	}
	return result, err
}

// mergeMeta attaches the settlement metadata under _meta, merging with
// any _meta object the handler already produced.
func mergeMeta(result, meta map[string]any) map[string]any {
	if result == nil {
		result = map[string]any{}
	}
	if existing, ok := result["_meta"].(map[string]any); ok {
		for key, value := range meta {
			existing[key] = value
		}
		return result
	}
	result["_meta"] = meta
	return result
}
