package ceramic

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeQuery(t *testing.T) {
	data, err := Encode(QueryMessage{Typ: MsgQuery, ID: "query-1", Stream: "kjzl6test"})
	require.NoError(t, err)

	q, ok := DecodeQuery(data)
	require.True(t, ok)
	assert.Equal(t, "query-1", q.ID)
	assert.Equal(t, "kjzl6test", q.Stream)
}

func TestDecodeQuery_IgnoresOtherTypes(t *testing.T) {
	update, err := Encode(UpdateMessage{Typ: MsgUpdate, Stream: "kjzl6test", Tip: "bafy"})
	require.NoError(t, err)
	_, ok := DecodeQuery(update)
	assert.False(t, ok)

	resp, err := Encode(ResponseMessage{Typ: MsgResponse, ID: "q", Tips: map[string]string{}})
	require.NoError(t, err)
	_, ok = DecodeQuery(resp)
	assert.False(t, ok)
}

func TestDecodeQuery_Malformed(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		[]byte("not json"),
		[]byte(`{"typ":1}`),
		[]byte(`{"typ":1,"id":"q"}`),
		[]byte(`{"typ":1,"stream":"kjzl6test"}`),
	} {
		_, ok := DecodeQuery(data)
		assert.False(t, ok, "input %q", data)
	}
}

func TestNewUpdateMessage(t *testing.T) {
	stream := testGenesisCID(t, "pubsub-update")
	msg := NewUpdateMessage(stream, "bafytip")
	assert.Equal(t, MsgUpdate, msg.Typ)
	assert.Equal(t, stream.String(), msg.Stream)
	assert.Equal(t, "bafytip", msg.Tip)

	data, err := Encode(msg)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, float64(0), wire["typ"])
}

func TestNewResponseMessage(t *testing.T) {
	msg := NewResponseMessage("query-7", "kjzl6stream", "bafytip")
	assert.Equal(t, MsgResponse, msg.Typ)
	assert.Equal(t, "query-7", msg.ID)
	assert.Equal(t, "bafytip", msg.Tips["kjzl6stream"])
}
