package relay

import (
	"log/slog"

	"github.com/workwithpact/cf-socket-server/domain"
)

// Target receives forwarded messages.
type Target interface {
	Send(t domain.MessageType, data any) error
}

// Hub maps message types to the sessions that asked to receive every message
// of that type. It is not safe for concurrent use.
type Hub struct {
	targets map[domain.MessageType][]Target
}

func NewHub() *Hub {
	return &Hub{targets: make(map[domain.MessageType][]Target)}
}

// Register adds t as a forwarding target for msgType. Registering twice is a no-op.
func (h *Hub) Register(t Target, msgType domain.MessageType) {
	for _, existing := range h.targets[msgType] {
		if existing == t {
			return
		}
	}
	h.targets[msgType] = append(h.targets[msgType], t)
}

// Deregister removes t from msgType's targets.
func (h *Hub) Deregister(t Target, msgType domain.MessageType) {
	list := h.targets[msgType]
	for i, existing := range list {
		if existing != t {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(h.targets, msgType)
		} else {
			h.targets[msgType] = list
		}
		return
	}
}

// DeregisterAll removes t from every message type.
func (h *Hub) DeregisterAll(t Target) {
	for msgType := range h.targets {
		h.Deregister(t, msgType)
	}
}

// Targets returns the targets registered for msgType.
func (h *Hub) Targets(msgType domain.MessageType) []Target {
	return append([]Target(nil), h.targets[msgType]...)
}

// Types lists the message types t is registered for.
func (h *Hub) Types(t Target) []domain.MessageType {
	var out []domain.MessageType
	for msgType, list := range h.targets {
		for _, existing := range list {
			if existing == t {
				out = append(out, msgType)
				break
			}
		}
	}
	return out
}

// Forward sends data as a relay message to every target of msgType.
func (h *Hub) Forward(msgType domain.MessageType, data any) {
	for _, t := range h.Targets(msgType) {
		if err := t.Send(domain.TypeRelay, data); err != nil {
			slog.Debug("relay delivery failed", "type", msgType, "error", err)
		}
	}
}
