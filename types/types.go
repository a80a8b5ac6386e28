// Package types defines the wire-level objects exchanged with the
// Nevermined facilitator backend and over the x402 payment headers.
package types

// X402Version is the protocol version stamped on every challenge object.
const X402Version = 2

// Resource identifies the protected capability a challenge refers to.
type Resource struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// PaymentOptionExtra carries plan-routing hints inside a payment option.
type PaymentOptionExtra struct {
	AgentID  string `json:"agentId,omitempty"`
	HTTPVerb string `json:"httpVerb,omitempty"`
	Version  string `json:"version,omitempty"`
}

// PaymentOption is one acceptable way to pay for a resource.
type PaymentOption struct {
	Scheme  string              `json:"scheme"`
	Network string              `json:"network"`
	PlanID  string              `json:"planId"`
	Extra   *PaymentOptionExtra `json:"extra,omitempty"`
}

// PaymentRequired is the x402 v2 challenge object. It is emitted on 402
// responses and echoed back into verify and settle calls.
type PaymentRequired struct {
	X402Version int            `json:"x402Version"`
	Resource    Resource       `json:"resource"`
	Accepts     []PaymentOption `json:"accepts"`
	Extensions  map[string]any `json:"extensions"`
}

// VerifyResult is the facilitator's answer to a permissions verify call.
type VerifyResult struct {
	IsValid        bool               `json:"isValid"`
	InvalidReason  string             `json:"invalidReason,omitempty"`
	Payer          string             `json:"payer,omitempty"`
	AgentRequestID string             `json:"agentRequestId,omitempty"`
	AgentRequest   *StartAgentRequest `json:"agentRequest,omitempty"`
	URLMatching    string             `json:"urlMatching,omitempty"`
}

// SettleResult reports the outcome of a credit settlement.
// Transaction is empty when Success is false.
type SettleResult struct {
	Success          bool   `json:"success"`
	ErrorReason      string `json:"errorReason,omitempty"`
	Payer            string `json:"payer,omitempty"`
	Transaction      string `json:"transaction"`
	Network          string `json:"network"`
	CreditsRedeemed  string `json:"creditsRedeemed,omitempty"`
	RemainingBalance string `json:"remainingBalance,omitempty"`
	OrderTx          string `json:"orderTx,omitempty"`
}

// PlanBalance describes the subscriber's standing on one plan.
type PlanBalance struct {
	PlanID          string `json:"planId"`
	PlanName        string `json:"planName,omitempty"`
	PlanType        string `json:"planType,omitempty"`
	HolderAddress   string `json:"holderAddress,omitempty"`
	Balance         string `json:"balance,omitempty"`
	CreditsContract string `json:"creditsContract,omitempty"`
	PricePerCredit  string `json:"pricePerCredit,omitempty"`
	IsSubscriber    bool   `json:"isSubscriber,omitempty"`
}

// StartAgentRequest is the observability payload the facilitator returns
// when an agent request is initialized or verified.
type StartAgentRequest struct {
	AgentRequestID string       `json:"agentRequestId"`
	AgentName      string       `json:"agentName,omitempty"`
	AgentID        string       `json:"agentId,omitempty"`
	Balance        *PlanBalance `json:"balance,omitempty"`
	URLMatching    string       `json:"urlMatching,omitempty"`
	VerbMatching   bool         `json:"verbMatching,omitempty"`
	Batch          bool         `json:"batch,omitempty"`
}

// RedeemResult is the facilitator's answer to a redeem call.
type RedeemResult struct {
	TxHash  string `json:"txHash"`
	Success bool   `json:"success"`
}

// PlanInfo is a summary entry from an agent's plan listing.
type PlanInfo struct {
	PlanID      string `json:"planId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// PlanMetadata is the full plan record fetched by planId.
type PlanMetadata struct {
	PlanID  string `json:"planId"`
	Name    string `json:"name,omitempty"`
	Scheme  string `json:"scheme,omitempty"`
	Network string `json:"network,omitempty"`
}

// DeploymentInfo describes the facilitator deployment, including the
// on-chain contract address map.
type DeploymentInfo struct {
	Name      string            `json:"name,omitempty"`
	Version   string            `json:"version,omitempty"`
	Network   string            `json:"network,omitempty"`
	Contracts map[string]string `json:"contracts,omitempty"`
}
