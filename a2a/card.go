// Package a2a implements the agent-to-agent client side of the payment
// protocol: an agent-card builder advertising the payment extension, a
// registry that caches one JSON-RPC client per (base URL, agent, plan)
// tuple, and a streaming client that parses Server-Sent-Event JSON-RPC
// responses.
package a2a

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// PaymentExtensionURI identifies the payment extension inside an agent
// card's capabilities.
const PaymentExtensionURI = "urn:nevermined:payment"

// ErrValidation marks malformed registry parameters and card metadata.
var ErrValidation = errors.New("validation error")

// AgentCard is the JSON descriptor published at /.well-known/agent.json.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"url"`
	Version            string            `json:"version,omitempty"`
	DefaultInputModes  []string          `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string          `json:"defaultOutputModes,omitempty"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	Skills             []AgentSkill      `json:"skills,omitempty"`
}

type AgentCapabilities struct {
	Streaming         bool             `json:"streaming,omitempty"`
	PushNotifications bool             `json:"pushNotifications,omitempty"`
	Extensions        []AgentExtension `json:"extensions,omitempty"`
}

type AgentExtension struct {
	URI         string         `json:"uri"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
}

// PaymentMetadata describes how calls against the agent are priced.
type PaymentMetadata struct {
	// PaymentType is "fixed" or "dynamic". Required.
	PaymentType string

	// Credits per call. Must be positive unless IsTrialPlan.
	Credits int64

	// AgentID of the selling agent. Required.
	AgentID string

	PlanID          string
	IsTrialPlan     bool
	CostDescription string
}

// BuildPaymentAgentCard returns the base card with the payment
// extension appended to its capabilities. The base card is not
// modified.
func BuildPaymentAgentCard(base AgentCard, meta PaymentMetadata) (AgentCard, error) {
	if meta.PaymentType != "fixed" && meta.PaymentType != "dynamic" {
		return AgentCard{}, fmt.Errorf("%w: paymentType must be \"fixed\" or \"dynamic\", got %q", ErrValidation, meta.PaymentType)
	}
	if meta.AgentID == "" {
		return AgentCard{}, fmt.Errorf("%w: agentId is required", ErrValidation)
	}
	if meta.IsTrialPlan {
		if meta.Credits < 0 {
			return AgentCard{}, fmt.Errorf("%w: credits must be >= 0 for a trial plan", ErrValidation)
		}
	} else if meta.Credits <= 0 {
		return AgentCard{}, fmt.Errorf("%w: credits must be > 0 for a paid plan", ErrValidation)
	}

	params := map[string]any{
		"paymentType": meta.PaymentType,
		"credits":     meta.Credits,
		"agentId":     meta.AgentID,
	}
	if meta.PlanID != "" {
		params["planId"] = meta.PlanID
	}
	if meta.IsTrialPlan {
		params["isTrialPlan"] = true
	}
	if meta.CostDescription != "" {
		params["costDescription"] = meta.CostDescription
	}

	card := base
	card.Capabilities.Extensions = append(
		append([]AgentExtension(nil), base.Capabilities.Extensions...),
		AgentExtension{URI: PaymentExtensionURI, Params: params},
	)
	return card, nil
}

// PaymentExtension returns the payment extension of a card, if present.
func (c AgentCard) PaymentExtension() (AgentExtension, bool) {
	for _, ext := range c.Capabilities.Extensions {
		if ext.URI == PaymentExtensionURI {
			return ext, true
		}
	}
	return AgentExtension{}, false
}

const agentCardSchema = `{
	"type": "object",
	"required": ["name", "url", "capabilities"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"url": {"type": "string", "minLength": 1},
		"capabilities": {
			"type": "object",
			"properties": {
				"streaming": {"type": "boolean"},
				"pushNotifications": {"type": "boolean"},
				"extensions": {
					"type": "array",
					"items": {
						"type": "object",
						"required": ["uri"],
						"properties": {"uri": {"type": "string", "minLength": 1}}
					}
				}
			}
		},
		"skills": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "name"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string", "minLength": 1}
				}
			}
		}
	}
}`

// ValidateAgentCard checks the card against the embedded schema.
func ValidateAgentCard(card AgentCard) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(agentCardSchema),
		gojsonschema.NewGoLoader(card),
	)
	if err != nil {
		return fmt.Errorf("validate agent card: %w", err)
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("%w: invalid agent card: %s", ErrValidation, strings.Join(problems, "; "))
}
