package domain

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// MessageType tags the payload carried by a Message.
type MessageType string

const (
	TypeLogin         MessageType = "login"
	TypeProfile       MessageType = "profile"
	TypeAuthenticate  MessageType = "authenticate"
	TypeConfig        MessageType = "config"
	TypeBroadcast     MessageType = "broadcast"
	TypeSubscribe     MessageType = "subscribe"
	TypeUnsubscribe   MessageType = "unsubscribe"
	TypePoll          MessageType = "poll"
	TypeEphemeralPoll MessageType = "ephemeralPoll"
	TypeCounter       MessageType = "counter"
	TypeRelay         MessageType = "relay"
	TypeDeleteRelay   MessageType = "deleteRelay"
	TypeChat          MessageType = "chat"
	TypeClose         MessageType = "close"
	TypePing          MessageType = "ping"
	TypeError         MessageType = "error"

	// TypeAny registers a listener for every inbound message.
	TypeAny MessageType = "*"
)

// Message is the wire envelope: one JSON object per frame.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Transport is one duplex client connection.
type Transport interface {
	ID() string
	Send(data []byte) error
	Close() error
	Details() map[string]string
}

// MessageHandler receives inbound frames and disconnect notifications from a Transport.
type MessageHandler interface {
	Handle(conn Transport, data []byte)
	Unregister(conn Transport)
}

// Store is a key-value store scoped to a single room.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// AuthenticatePayload is the data of an authenticate message.
type AuthenticatePayload struct {
	Digest    string `json:"digest"`
	Timestamp int64  `json:"timestamp"`
}

// VotePayload is the data of poll and ephemeralPoll messages.
type VotePayload struct {
	ID     string      `json:"id"`
	Answer AnswerValue `json:"answer"`
}

// CounterPayload is the data of a counter message. Value is the raw delta.
type CounterPayload struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// RelayPayload names the message type a relay targets.
type RelayPayload struct {
	Type MessageType `json:"type"`
}

// UnmarshalJSON accepts either {"type": "..."} or a bare string.
func (p *RelayPayload) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Type = MessageType(s)
		return nil
	}
	type plain RelayPayload
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = RelayPayload(v)
	return nil
}

// AnswerValue is a poll answer; numbers and booleans are kept as their literal text.
type AnswerValue string

func (a *AnswerValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*a = AnswerValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*a = AnswerValue(n.String())
		return nil
	}
	var t bool
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	*a = AnswerValue(strconv.FormatBool(t))
	return nil
}

// ChannelKeys decodes subscribe/unsubscribe data: a single key or a list of keys.
func ChannelKeys(data json.RawMessage) []string {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one = strings.TrimSpace(one); one != "" {
			return []string{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return nil
	}
	keys := many[:0]
	for _, k := range many {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
