package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestISOTime_MarshalIsFixedWidth(t *testing.T) {
	ts := NewISOTime(time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600)))
	b, err := json.Marshal(ts)
	require.NoError(t, err)
	require.Equal(t, `"2024-01-02T02:04:05.000Z"`, string(b))

	b, err = json.Marshal(ISOTime{})
	require.NoError(t, err)
	require.Equal(t, "null", string(b))
}

func TestISOTime_Unmarshal(t *testing.T) {
	want := time.Date(2024, 1, 2, 3, 4, 5, 123_000_000, time.UTC)
	for _, in := range []string{
		`"2024-01-02T03:04:05.123Z"`,
		`"2024-01-02T03:04:05.123456Z"`,
		`"2024-01-02T04:04:05.123+01:00"`,
		`1704164645123`,
		`{"$date":"2024-01-02T03:04:05.123Z"}`,
		`{"$date":1704164645123}`,
		`{"$date":{"$numberLong":"1704164645123"}}`,
	} {
		var ts ISOTime
		require.NoError(t, json.Unmarshal([]byte(in), &ts), in)
		require.True(t, want.Equal(ts.Time), "%s gave %s", in, ts)
	}

	for _, in := range []string{`null`, `""`} {
		ts := NewISOTime(want)
		require.NoError(t, json.Unmarshal([]byte(in), &ts))
		require.True(t, ts.IsZero(), in)
	}

	var ts ISOTime
	require.Error(t, json.Unmarshal([]byte(`"yesterday"`), &ts))
	require.Error(t, json.Unmarshal([]byte(`{}`), &ts))
	require.Error(t, json.Unmarshal([]byte(`{"$date":{"$numberLong":"soon"}}`), &ts))
	require.Error(t, json.Unmarshal([]byte(`{"$date":"yesterday"}`), &ts))
}

func TestISOTime_LexicalOrderIsChronological(t *testing.T) {
	a := NewISOTime(time.Date(2023, 12, 31, 23, 59, 59, 999_000_000, time.UTC))
	b := NewISOTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Less(t, a.String(), b.String())
}

func TestParseRiskLevel(t *testing.T) {
	lvl, ok := ParseRiskLevel(" critical ")
	require.True(t, ok)
	require.Equal(t, RiskCritical, lvl)

	_, ok = ParseRiskLevel("SEVERE")
	require.False(t, ok)
	_, ok = ParseRiskLevel("")
	require.False(t, ok)
}

func TestConversation_OmitsAbsentRiskAssessment(t *testing.T) {
	b, err := json.Marshal(Conversation{ConversationID: "x", MessageIDs: []string{}})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	require.NotContains(t, m, "riskAssessment")
	require.Contains(t, m, "model")
	require.Nil(t, m["model"])
}
