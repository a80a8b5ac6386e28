package facilitator

import "github.com/nevermined-io/payments-go/types"

// SchemeDefault is the credit-plan payment scheme assumed when a plan
// does not declare one.
const SchemeDefault = "nvm:erc4337"

// NetworkDefault is the network used when neither the challenge options
// nor the scheme table provide one.
const NetworkDefault = "eip155:84532"

// schemeNetworks maps payment schemes to their default networks.
var schemeNetworks = map[string]string{
	"nvm:erc4337": "eip155:84532",
}

// ChallengeOptions parameterize a PaymentRequired challenge.
type ChallengeOptions struct {
	// Endpoint is the protected resource URL, logical or HTTP.
	Endpoint    string
	Description string
	AgentID     string
	HTTPVerb    string
	// Network overrides the scheme table when set.
	Network string
	// Scheme defaults to SchemeDefault when empty.
	Scheme  string
	Version string
}

// BuildPaymentRequired produces the x402 v2 challenge object for a plan.
// It is a pure function; scheme resolution against plan metadata is the
// client's ChallengeForPlan.
func BuildPaymentRequired(planID string, opts ChallengeOptions) types.PaymentRequired {
	scheme := opts.Scheme
	if scheme == "" {
		scheme = SchemeDefault
	}
	network := opts.Network
	if network == "" {
		if mapped, ok := schemeNetworks[scheme]; ok {
			network = mapped
		} else {
			network = NetworkDefault
		}
	}

	var extra *types.PaymentOptionExtra
	if opts.AgentID != "" || opts.HTTPVerb != "" || opts.Version != "" {
		extra = &types.PaymentOptionExtra{
			AgentID:  opts.AgentID,
			HTTPVerb: opts.HTTPVerb,
			Version:  opts.Version,
		}
	}

	return types.PaymentRequired{
		X402Version: types.X402Version,
		Resource: types.Resource{
			URL:         opts.Endpoint,
			Description: opts.Description,
		},
		Accepts: []types.PaymentOption{{
			Scheme:  scheme,
			Network: network,
			PlanID:  planID,
			Extra:   extra,
		}},
		Extensions: map[string]any{},
	}
}
