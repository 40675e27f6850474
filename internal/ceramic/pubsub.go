package ceramic

import (
	"encoding/json"
	"fmt"
)

// Pubsub message type discriminators, Ceramic-compatible.
const (
	MsgUpdate   = 0
	MsgQuery    = 1
	MsgResponse = 2
)

// UpdateMessage announces a new tip for a stream. Published once per anchor
// commit.
type UpdateMessage struct {
	Typ    int    `json:"typ"`
	Stream string `json:"stream"`
	Tip    string `json:"tip"`
}

// QueryMessage asks the network for the latest tip of a stream.
type QueryMessage struct {
	Typ    int    `json:"typ"`
	ID     string `json:"id"`
	Stream string `json:"stream"`
}

// ResponseMessage answers a query with known tips.
type ResponseMessage struct {
	Typ  int               `json:"typ"`
	ID   string            `json:"id"`
	Tips map[string]string `json:"tips"`
}

// NewUpdateMessage builds an UPDATE for an anchored stream.
func NewUpdateMessage(streamID StreamID, tip string) UpdateMessage {
	return UpdateMessage{Typ: MsgUpdate, Stream: streamID.String(), Tip: tip}
}

// NewResponseMessage builds a RESPONSE echoing the query ID.
func NewResponseMessage(queryID, stream, tip string) ResponseMessage {
	return ResponseMessage{
		Typ:  MsgResponse,
		ID:   queryID,
		Tips: map[string]string{stream: tip},
	}
}

// DecodeQuery parses an inbound pubsub payload, returning the query if the
// message is a QUERY and ok=false for any other (or malformed) message.
func DecodeQuery(data []byte) (QueryMessage, bool) {
	var probe struct {
		Typ int `json:"typ"`
	}
	if err := json.Unmarshal(data, &probe); err != nil || probe.Typ != MsgQuery {
		return QueryMessage{}, false
	}
	var q QueryMessage
	if err := json.Unmarshal(data, &q); err != nil || q.Stream == "" || q.ID == "" {
		return QueryMessage{}, false
	}
	return q, true
}

// Encode serializes a pubsub message to its JSON wire form.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode pubsub message: %w", err)
	}
	return data, nil
}
