package command

import (
	"fmt"
	"time"

	"github.com/ibs-source/command/engine/golang/pkg/jsonx"
)

// Msg is the stream envelope that wakes a consumer. It carries no
// authoritative state; that lives in the state store.
type Msg struct {
	CommandID   string    `json:"commandId"`
	Type        string    `json:"type"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// EncodeMsg serializes a Msg for the stream.
func EncodeMsg(m Msg) ([]byte, error) {
	return jsonx.Marshal(m)
}

// DecodeMsg parses a stream payload into a Msg.
func DecodeMsg(data []byte) (Msg, error) {
	var m Msg
	if err := jsonx.Unmarshal(data, &m); err != nil {
		return Msg{}, fmt.Errorf("decode command message: %w", err)
	}
	if m.CommandID == "" {
		return Msg{}, fmt.Errorf("decode command message: missing commandId")
	}
	return m, nil
}
