package aggregate

import (
	"encoding/json"
	"testing"

	"github.com/chirino/ai-proxy-monitor/internal/model"
	"github.com/stretchr/testify/require"
)

func TestPreserve(t *testing.T) {
	now := at(100)
	fresh := &model.Conversation{ConversationID: "X", MessageCount: 4, CreatedAt: now, UpdatedAt: now}

	Preserve(fresh, Prior{})
	require.Equal(t, now, fresh.CreatedAt, "zero prior creation time keeps the fresh one")
	require.Nil(t, fresh.RiskAssessment)

	Preserve(fresh, Prior{CreatedAt: at(1), RiskAssessment: json.RawMessage("null")})
	require.Equal(t, at(1), fresh.CreatedAt)
	require.Nil(t, fresh.RiskAssessment, "a null assessment is treated as absent")

	risk := json.RawMessage(`{"overall_risk_level":"LOW"}`)
	Preserve(fresh, Prior{CreatedAt: at(1), RiskAssessment: risk})
	require.Equal(t, string(risk), string(fresh.RiskAssessment))
	require.Equal(t, 4, fresh.MessageCount)
	require.Equal(t, now, fresh.UpdatedAt)

	risk[2] = 'X'
	require.NotEqual(t, string(risk), string(fresh.RiskAssessment), "preserved bytes are copied")
}

func TestDecodePrior(t *testing.T) {
	prior, err := DecodePrior(json.RawMessage(`{
		"conversationId": "X",
		"messageCount": "not a number",
		"createdAt": "2024-05-01T12:00:00.000Z",
		"riskAssessment": {"overall_risk_level": "CRITICAL", "extra": [1, 2]}
	}`))
	require.NoError(t, err)
	require.Equal(t, at(0), prior.CreatedAt)
	require.JSONEq(t, `{"overall_risk_level": "CRITICAL", "extra": [1, 2]}`, string(prior.RiskAssessment))

	prior, err = DecodePrior(json.RawMessage(`{"createdAt": "yesterday", "riskAssessment": {"overall_risk_level": "LOW"}}`))
	require.Error(t, err)
	require.True(t, prior.CreatedAt.IsZero())
	require.NotNil(t, prior.RiskAssessment, "assessment survives a bad createdAt")

	prior, err = DecodePrior(json.RawMessage(`{"riskAssessment": null}`))
	require.NoError(t, err)
	require.Nil(t, prior.RiskAssessment)
	require.True(t, prior.CreatedAt.IsZero())

	_, err = DecodePrior(json.RawMessage(`[1]`))
	require.Error(t, err)
}
