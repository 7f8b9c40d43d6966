package docstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestMatches(t *testing.T) {
	doc := decode(t, `{
		"username": "alice",
		"messageCount": 3,
		"messageIds": ["m1", "m2"],
		"lastMessageTime": "2024-05-02T10:00:00.000Z",
		"rawResponse": "{\"conversation_id\":\"abc\"}",
		"riskAssessment": {"overall_risk_level": "HIGH"}
	}`)

	tests := []struct {
		name  string
		query Query
		want  bool
	}{
		{"match all", MatchAll(), true},
		{"term", MatchAll().WithTerm("username", "alice"), true},
		{"term mismatch", MatchAll().WithTerm("username", "bob"), false},
		{"term on number", MatchAll().WithTerm("messageCount", "3"), true},
		{"term on array element", MatchAll().WithTerm("messageIds", "m2"), true},
		{"term on nested", MatchAll().WithTerm("riskAssessment.overall_risk_level", "HIGH"), true},
		{"term on missing", MatchAll().WithTerm("model", "x"), false},
		{"range inside", MatchAll().WithRange("lastMessageTime", "2024-05-01T00:00:00.000Z", ""), true},
		{"range before lower bound", MatchAll().WithRange("lastMessageTime", "2024-06-01T00:00:00.000Z", ""), false},
		{"range upper bound exclusive", MatchAll().WithRange("lastMessageTime", "", "2024-05-02T10:00:00.000Z"), false},
		{"contains", MatchAll().WithContains("rawResponse", `"abc"`), true},
		{"contains mismatch", MatchAll().WithContains("rawResponse", "xyz"), false},
		{"conjunction", MatchAll().WithTerm("username", "alice").WithTerm("messageIds", "nope"), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Matches(doc, tc.query))
		})
	}
}

func TestQueryBuildersDoNotAlias(t *testing.T) {
	base := MatchAll().WithTerm("a", "1")
	left := base.WithTerm("b", "2")
	right := base.WithTerm("c", "3")
	require.Len(t, base.Terms, 1)
	require.Equal(t, "b", left.Terms[1].Field)
	require.Equal(t, "c", right.Terms[1].Field)
}

func TestCompare(t *testing.T) {
	a := decode(t, `{"t":"2024-01-01T00:00:00.000Z","n":2}`)
	b := decode(t, `{"t":"2024-01-02T00:00:00.000Z","n":10}`)

	require.Negative(t, Compare(a, b, "a", "b", []SortField{Asc("t")}))
	require.Positive(t, Compare(a, b, "a", "b", []SortField{Desc("t")}))
	require.Negative(t, Compare(a, b, "a", "b", []SortField{Asc("n")}), "numbers compare numerically")
	require.Negative(t, Compare(a, a, "a", "b", []SortField{Desc("t")}), "ties fall back to id")
}

func TestValidateField(t *testing.T) {
	require.NoError(t, ValidateField("riskAssessment.overall_risk_level"))
	require.NoError(t, ValidateField("_id"))
	for _, bad := range []string{"", "a..b", ".a", "a.", "a'; drop table x", "a b", "1abc"} {
		err := ValidateField(bad)
		var ve *ValidationError
		require.ErrorAs(t, err, &ve, bad)
	}
}

func TestIsIndexNotFound(t *testing.T) {
	require.True(t, IsIndexNotFound(IndexNotFound("x")))
	require.False(t, IsIndexNotFound(&NotFoundError{Resource: "document", ID: "x"}))
	require.False(t, IsIndexNotFound(nil))
}
