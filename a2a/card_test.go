package a2a

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseCard() AgentCard {
	return AgentCard{
		Name: "translator",
		URL:  "https://agent.example/a2a",
		Capabilities: AgentCapabilities{
			Streaming: true,
		},
		Skills: []AgentSkill{{ID: "translate", Name: "Translate"}},
	}
}

func TestBuildPaymentAgentCard(t *testing.T) {
	card, err := BuildPaymentAgentCard(baseCard(), PaymentMetadata{
		PaymentType:     "fixed",
		Credits:         5,
		AgentID:         "did:nv:agent",
		PlanID:          "plan-1",
		CostDescription: "5 credits per translation",
	})
	require.NoError(t, err)

	ext, ok := card.PaymentExtension()
	require.True(t, ok, "payment extension missing")
	assert.Equal(t, PaymentExtensionURI, ext.URI)
	assert.Equal(t, "fixed", ext.Params["paymentType"])
	assert.Equal(t, int64(5), ext.Params["credits"])
	assert.Equal(t, "did:nv:agent", ext.Params["agentId"])
	assert.Equal(t, "plan-1", ext.Params["planId"])
	assert.Equal(t, "5 credits per translation", ext.Params["costDescription"])

	// The base card is untouched.
	_, ok = baseCard().PaymentExtension()
	assert.False(t, ok)
}

func TestBuildPaymentAgentCardValidation(t *testing.T) {
	cases := []struct {
		name string
		meta PaymentMetadata
	}{
		{"unknown payment type", PaymentMetadata{PaymentType: "subscription", Credits: 1, AgentID: "a"}},
		{"missing payment type", PaymentMetadata{Credits: 1, AgentID: "a"}},
		{"missing agent id", PaymentMetadata{PaymentType: "fixed", Credits: 1}},
		{"zero credits on paid plan", PaymentMetadata{PaymentType: "fixed", Credits: 0, AgentID: "a"}},
		{"negative credits on trial plan", PaymentMetadata{PaymentType: "dynamic", Credits: -1, AgentID: "a", IsTrialPlan: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildPaymentAgentCard(baseCard(), tc.meta)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestBuildPaymentAgentCardTrialPlan(t *testing.T) {
	card, err := BuildPaymentAgentCard(baseCard(), PaymentMetadata{
		PaymentType: "fixed",
		Credits:     0,
		AgentID:     "did:nv:agent",
		IsTrialPlan: true,
	})
	require.NoError(t, err)
	ext, _ := card.PaymentExtension()
	assert.Equal(t, true, ext.Params["isTrialPlan"])
	assert.Equal(t, int64(0), ext.Params["credits"])
}

func TestValidateAgentCard(t *testing.T) {
	require.NoError(t, ValidateAgentCard(baseCard()))

	missingName := baseCard()
	missingName.Name = ""
	assert.ErrorIs(t, ValidateAgentCard(missingName), ErrValidation)

	missingSkillID := baseCard()
	missingSkillID.Skills = []AgentSkill{{Name: "Translate"}}
	assert.ErrorIs(t, ValidateAgentCard(missingSkillID), ErrValidation)
}
