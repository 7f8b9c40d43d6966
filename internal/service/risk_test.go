package service

import (
	"context"
	"testing"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/model"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/stretchr/testify/require"
)

type countingCache struct {
	clears int
}

func (c *countingCache) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (c *countingCache) Set(context.Context, string, []byte, time.Duration) error {
	return nil
}
func (c *countingCache) Clear(context.Context) error {
	c.clears++
	return nil
}

func syncedFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.addMessage(t, "A", "X", 1, "q-a")
	f.addMessage(t, "B", "X", 2, "q-b")
	_, err := f.syncer.Sync(context.Background())
	require.NoError(t, err)
	return f
}

func TestRiskUpdate_StoreNotInitialized(t *testing.T) {
	f := newFixture(t)
	_, err := f.risk.Update(context.Background(), "X", map[string]any{"overall_risk_level": "LOW"})
	require.True(t, docstore.IsIndexNotFound(err))
}

func TestRiskUpdate_UnknownConversationIsNotCreated(t *testing.T) {
	ctx := context.Background()
	f := syncedFixture(t)

	_, err := f.risk.Update(ctx, "nope", map[string]any{"overall_risk_level": "LOW"})
	var nf *docstore.NotFoundError
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "conversation", nf.Resource)

	exists, err := f.store.ExistsByID(ctx, f.cfg.ConversationsIndex, "nope")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRiskUpdate_MissingLevelWritesNothing(t *testing.T) {
	ctx := context.Background()
	f := syncedFixture(t)
	before := f.allConversations(t)

	payload := map[string]any{"summary": "forgot the level"}
	_, err := f.risk.Update(ctx, "X", payload)
	var ve *docstore.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Equal(t, "overall_risk_level", ve.Field)
	require.Equal(t, payload, ve.Received)

	require.Equal(t, before, f.allConversations(t))
}

func TestRiskUpdate_DefaultsAndPartialWrite(t *testing.T) {
	ctx := context.Background()
	f := syncedFixture(t)
	before := f.conversation(t, "X")
	cache := &countingCache{}
	f.risk.cache = cache
	f.clock = f.clock.Add(time.Hour)

	res, err := f.risk.Update(ctx, "X", map[string]any{"overall_risk_level": "critical"})
	require.NoError(t, err)
	require.Equal(t, "X", res.ConversationID)
	require.Equal(t, model.NewISOTime(f.clock), res.UpdatedAt)
	require.Equal(t, model.RiskCritical, res.RiskAssessment.OverallRiskLevel)
	require.Equal(t, model.Violations{DataProtection: "NONE", IntellectualProperty: "NONE", AcceptableUse: "NONE"}, res.RiskAssessment.ViolationsDetected)
	require.Equal(t, model.Violations{}, res.RiskAssessment.AgentFindings)
	require.Equal(t, 1, cache.clears)

	after := f.conversation(t, "X")
	require.Equal(t, model.NewISOTime(f.clock), after.UpdatedAt)
	require.NotNil(t, after.RiskAssessment)

	after.UpdatedAt = before.UpdatedAt
	after.RiskAssessment = nil
	require.Equal(t, before, after, "only the assessment and update time change")
}

func TestRiskUpdate_ReplacesPreviousAssessment(t *testing.T) {
	ctx := context.Background()
	f := syncedFixture(t)

	_, err := f.risk.Update(ctx, "X", map[string]any{
		"overall_risk_level":  "HIGH",
		"primary_violation":   "credentials",
		"violations_detected": map[string]any{"data_protection": "MAJOR"},
	})
	require.NoError(t, err)

	// Assessors often wrap their answer.
	_, err = f.risk.Update(ctx, "X", []any{map[string]any{"output": `{"overall_risk_level":"LOW"}`}})
	require.NoError(t, err)

	hit, err := f.store.Get(ctx, f.cfg.ConversationsIndex, "X")
	require.NoError(t, err)
	var doc struct {
		RiskAssessment *model.RiskAssessment `json:"riskAssessment"`
	}
	require.NoError(t, hit.Decode(&doc))
	stored := *doc.RiskAssessment
	require.Equal(t, model.RiskLow, stored.OverallRiskLevel)
	require.Empty(t, stored.PrimaryViolation)
	require.Equal(t, "NONE", stored.ViolationsDetected.DataProtection)
}
