package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConversationID(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "empty", raw: "", want: ""},
		{name: "whitespace", raw: "   \n", want: ""},
		{name: "top level", raw: `{"conversation_id":"conv-1","message":{}}`, want: "conv-1"},
		{name: "nested", raw: `{"message":{"metadata":{"conversation_id":"conv-2"}}}`, want: "conv-2"},
		{name: "inside array", raw: `[{"x":1},{"conversation_id":"conv-3"}]`, want: "conv-3"},
		{name: "spaces after colon", raw: `{"conversation_id":   "conv-4"}`, want: "conv-4"},
		{name: "event stream", raw: "event: delta\ndata: {\"v\":1}\ndata: {\"conversation_id\":\"conv-5\"}\n\ndata: [DONE]\n", want: "conv-5"},
		{name: "truncated json", raw: `{"conversation_id":"conv-6","message":{"content":`, want: "conv-6"},
		{name: "garbage around key", raw: `<<<"conversation_id": "conv-7">>>`, want: "conv-7"},
		{name: "no key", raw: `{"id":"abc"}`, want: ""},
		{name: "non string value", raw: `{"conversation_id":42}`, want: ""},
		{name: "not json", raw: "plain text reply", want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, ConversationID(tc.raw))
		})
	}
}

func TestModel(t *testing.T) {
	require.Equal(t, "gpt-4o", Model(`{"message":{"metadata":{"model_slug":"gpt-4o"}},"conversation_id":"c"}`))
	require.Equal(t, "o3", Model("data: {\"model_slug\":\"o3\"}\n"))
	require.Equal(t, "", Model(`{"conversation_id":"c"}`))
}

func TestFromJSON_IgnoresValuesThatLookLikeKeys(t *testing.T) {
	// "conversation_id" appears as a value and as an array element, never as a key.
	raw := `{"label":"conversation_id","list":["conversation_id","x"],"conversation_id":"real"}`
	require.Equal(t, "real", FromJSON(raw, conversationKey))
}

func TestFromJSON_FirstOccurrenceWins(t *testing.T) {
	raw := `{"a":{"conversation_id":"first"},"conversation_id":"second"}`
	require.Equal(t, "first", FromJSON(raw, conversationKey))
}

func TestFromEventStream_SkipsNonDataLines(t *testing.T) {
	raw := "id: 1\nevent: message\n: comment\n"
	require.Equal(t, "", FromEventStream(raw, conversationKey))
}

func TestFromPattern(t *testing.T) {
	require.Equal(t, "abc", FromPattern(`xx "conversation_id":"abc" yy`, conversationPattern))
	require.Equal(t, "", FromPattern(`"conversation_id":""`, conversationPattern))
}
