package postgres

import (
	"testing"

	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/stretchr/testify/require"
)

func TestWhereClause(t *testing.T) {
	where, args := whereClause(registrydocstore.MatchAll())
	require.Empty(t, where)
	require.Empty(t, args)

	where, args = whereClause(registrydocstore.MatchAll().
		WithTerm("riskAssessment.overall_risk_level", "HIGH").
		WithRange("lastMessageTime", "2024-01-01T00:00:00.000Z", ""))
	require.Equal(t,
		` WHERE ((doc #>> '{riskAssessment,overall_risk_level}') = ? OR (doc #> '{riskAssessment,overall_risk_level}') @> jsonb_build_array(?::text))`+
			` AND (doc #>> '{lastMessageTime}') IS NOT NULL AND (doc #>> '{lastMessageTime}') COLLATE "C" >= ?`,
		where)
	require.Equal(t, []any{"HIGH", "HIGH", "2024-01-01T00:00:00.000Z"}, args)
}

func TestOrderByBreaksTiesOnID(t *testing.T) {
	require.Equal(t,
		`coalesce((doc #>> '{requestTime}'), '') COLLATE "C" DESC, id COLLATE "C" ASC`,
		orderBy([]registrydocstore.SortField{registrydocstore.Desc("requestTime")}))
}

func TestAfter(t *testing.T) {
	cond, args := after([]registrydocstore.SortField{registrydocstore.Desc("t")}, []string{"2024", "id-9"})
	key := `coalesce((doc #>> '{t}'), '') COLLATE "C"`
	require.Equal(t,
		"(("+key+" < ?) OR ("+key+` = ? AND id COLLATE "C" > ?))`,
		cond)
	require.Equal(t, []any{"2024", "2024", "id-9"}, args)
}
