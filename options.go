// Package payments is a credit-based paywall for machine-callable
// services. It verifies x402 access tokens against a remote facilitator,
// runs the protected handler, settles the computed credit cost, and
// reports settlement metadata back to the caller in both unary and
// streaming modes.
package payments

import (
	"context"
	"iter"
	"math/big"
	"net/http"

	"github.com/nevermined-io/payments-go/types"
)

// RedeemErrorMode selects how the engine treats settlement failures.
type RedeemErrorMode int

const (
	// RedeemErrorIgnore records the failure in response metadata and
	// lets the request complete. This is the default.
	RedeemErrorIgnore RedeemErrorMode = iota
	// RedeemErrorPropagate discards the handler result and raises a
	// misconfiguration error instead.
	RedeemErrorPropagate
)

// PaywallOptions configure one protected handler.
type PaywallOptions struct {
	Kind Kind
	Name string

	// Credits determines the cost per call. Nil means 1 credit.
	Credits *CreditsOption

	// PlanID pins settlement to a plan, overriding the token's choice.
	PlanID string

	// MaxAmount caps the amount passed to permission verification.
	MaxAmount *big.Int

	OnRedeemError RedeemErrorMode
}

// AuthResult is the outcome of a successful entitlement check. The
// logical URL is always reported; HTTPURL is kept only so settlement can
// retry against it.
type AuthResult struct {
	Token             *types.AccessToken
	RawToken          string
	AgentID           string
	PlanID            string
	SubscriberAddress string
	LogicalURL        string
	HTTPURL           string
	AgentRequestID    string
	AgentRequest      *types.StartAgentRequest
}

// PaywallContext is handed to protected handlers alongside their
// arguments. Credits is nil before dynamic resolution.
type PaywallContext struct {
	Auth              *AuthResult
	Credits           *big.Int
	PlanID            string
	SubscriberAddress string
	AgentRequest      *types.StartAgentRequest
}

// RequestExtra carries the transport-supplied request envelope into the
// engine: HTTP headers from the SDK and the request _meta object.
type RequestExtra struct {
	Header http.Header
	Meta   map[string]any
}

// Handler is the protocol-agnostic shape of a protected handler.
type Handler func(ctx context.Context, args map[string]any, extra *RequestExtra, pctx *PaywallContext) (HandlerOutput, error)

// HandlerOutput is a tagged union: either a unary value or a stream of
// chunks. Use ValueOutput or StreamOutput to construct it.
type HandlerOutput struct {
	value  map[string]any
	stream iter.Seq[any]
}

// ValueOutput wraps a unary handler result.
func ValueOutput(v map[string]any) HandlerOutput {
	return HandlerOutput{value: v}
}

// StreamOutput wraps a streaming handler result.
func StreamOutput(seq iter.Seq[any]) HandlerOutput {
	return HandlerOutput{stream: seq}
}

// IsStream reports whether the output carries a stream.
func (o HandlerOutput) IsStream() bool {
	return o.stream != nil
}

// Value returns the unary result, nil for streams.
func (o HandlerOutput) Value() map[string]any {
	return o.value
}

// Stream returns the chunk sequence, nil for unary results.
func (o HandlerOutput) Stream() iter.Seq[any] {
	return o.stream
}
