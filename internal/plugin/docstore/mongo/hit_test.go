package mongo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/aggregate"
	"github.com/chirino/ai-proxy-monitor/internal/model"
	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestToHit_RendersNativeDatesAsISOStrings(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 250_000_000, time.UTC)
	oid := bson.NewObjectID()
	raw, err := bson.Marshal(bson.D{
		{Key: "_id", Value: oid},
		{Key: "username", Value: "alice"},
		{Key: "rawResponse", Value: `{"conversation_id":"X"}`},
		{Key: "requestTime", Value: bson.NewDateTimeFromTime(at)},
		{Key: "meta", Value: bson.D{{Key: "seen", Value: bson.A{bson.NewDateTimeFromTime(at)}}}},
	})
	require.NoError(t, err)

	hit, err := toHit(raw)
	require.NoError(t, err)
	require.Equal(t, oid.Hex(), hit.ID)

	var src map[string]any
	require.NoError(t, json.Unmarshal(hit.Source, &src))
	require.Equal(t, "2024-05-01T12:00:00.250Z", src["requestTime"])
	require.Equal(t, []any{"2024-05-01T12:00:00.250Z"}, src["meta"].(map[string]any)["seen"])

	var msg model.Message
	require.NoError(t, hit.Decode(&msg))
	require.Equal(t, model.NewISOTime(at), msg.RequestTime)

	agg := aggregate.New(aggregate.Lookup{}, at.Add(time.Hour))
	agg.AddRaw(hit.ID, hit.Source)
	result := agg.Result()
	require.Len(t, result.Conversations, 1)
	require.Zero(t, result.Skipped)
}

func TestRangeClause(t *testing.T) {
	from := "2024-05-01T00:00:00.000Z"
	clause := rangeClause(registrydocstore.Range{Field: "lastMessageTime", GTE: from})
	or, ok := clause[0].Value.(bson.A)
	require.True(t, ok, "timestamp bounds also match native dates")
	require.Equal(t, "$or", clause[0].Key)
	require.Equal(t, bson.D{{Key: "lastMessageTime", Value: bson.D{{Key: "$gte", Value: from}}}}, or[0])
	want := bson.NewDateTimeFromTime(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.Equal(t, bson.D{{Key: "lastMessageTime", Value: bson.D{{Key: "$gte", Value: want}}}}, or[1])

	clause = rangeClause(registrydocstore.Range{Field: "username", GTE: "a", LT: "m"})
	require.Equal(t, bson.D{{Key: "username", Value: bson.D{{Key: "$gte", Value: "a"}, {Key: "$lt", Value: "m"}}}}, clause)

	clause = rangeClause(registrydocstore.Range{Field: "requestTime"})
	require.Equal(t, bson.D{{Key: "requestTime", Value: bson.D{{Key: "$type", Value: bson.A{"string", "date"}}}}}, clause)
}
