package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestEncodeDecode_WireShape(t *testing.T) {
	r := Reaction{
		EventID:   EventID("u1", "q1"),
		ActorID:   "u1",
		ItemID:    "q1",
		Type:      "like",
		Action:    ActionUpdated,
		OldType:   strPtr("love"),
		Timestamp: 1730000000000,
	}
	b, err := Encode(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"eventId":"u1:q1","actorId":"u1","itemId":"q1","type":"like","action":"updated","oldType":"love","timestamp":1730000000000}`, string(b))

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, "love", got.PreviousType())
	assert.Equal(t, r.EventID, got.EventID)
}

func TestEncode_NullOldType(t *testing.T) {
	b, err := Encode(Reaction{EventID: "a:b", ActorID: "a", ItemID: "b", Type: "like", Action: ActionAdded, Timestamp: 1})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"oldType":null`)
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":         ``,
		"not json":      `{{{`,
		"missing actor": `{"itemId":"q","type":"like","action":"added","timestamp":1}`,
		"bad action":    `{"actorId":"u","itemId":"q","type":"like","action":"boosted","timestamp":1}`,
		"update no old": `{"actorId":"u","itemId":"q","type":"like","action":"updated","timestamp":1}`,
		"missing stamp": `{"actorId":"u","itemId":"q","type":"like","action":"added"}`,
		"missing type":  `{"actorId":"u","itemId":"q","action":"removed","timestamp":1}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "want ErrMalformed, got %v", err)
		})
	}
}

func TestActionDelta(t *testing.T) {
	assert.Equal(t, int64(1), ActionAdded.Delta())
	assert.Equal(t, int64(-1), ActionRemoved.Delta())
	assert.Equal(t, int64(0), ActionUpdated.Delta())
	assert.False(t, Action("x").Valid())
}
