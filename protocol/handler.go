package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/workwithpact/cf-socket-server/domain"
)

// ErrMissingType is returned for frames that parse but carry no type.
var ErrMissingType = errors.New("message type is required")

type envelope struct {
	Type domain.MessageType `json:"type"`
	Data any                `json:"data"`
}

// Decode parses one inbound frame into its envelope.
func Decode(data []byte) (domain.Message, error) {
	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return domain.Message{}, ErrMissingType
	}
	return msg, nil
}

// Encode serializes an outbound frame. A json.RawMessage payload is written as is.
func Encode(t domain.MessageType, data any) ([]byte, error) {
	if raw, ok := data.(json.RawMessage); ok && len(raw) == 0 {
		data = nil
	}
	b, err := json.Marshal(envelope{Type: t, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", t, err)
	}
	return b, nil
}

// Raw marshals a payload for local dispatch.
func Raw(data any) json.RawMessage {
	if data == nil {
		return nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return b
}
