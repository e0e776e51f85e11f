package subscription

import (
	"log/slog"
	"strings"

	"github.com/workwithpact/cf-socket-server/domain"
)

// All is the wildcard id: a subscription to (topic, All) matches every id of topic.
const All = "all"

// Key addresses a channel: "topic" or "topic:id".
type Key struct {
	Topic string
	ID    string
}

// ParseKey splits a channel key on its first colon. A missing id means All.
func ParseKey(s string) (Key, bool) {
	topic, id, _ := strings.Cut(strings.TrimSpace(s), ":")
	if topic == "" {
		return Key{}, false
	}
	if id == "" {
		id = All
	}
	return Key{Topic: topic, ID: id}, true
}

func (k Key) String() string { return k.Topic + ":" + k.ID }

// Recipient is anything a message can be delivered to.
type Recipient interface {
	Send(t domain.MessageType, data any) error
}

// SnapshotFunc returns the current state for topic at id (or every id, for All).
type SnapshotFunc func(id string) []any

// Router tracks the subscriptions of every registered recipient in one room.
// It is not safe for concurrent use.
type Router struct {
	order     []Recipient
	subs      map[Recipient]map[string]map[string]struct{}
	snapshots map[string]SnapshotFunc
}

func NewRouter() *Router {
	return &Router{
		subs:      make(map[Recipient]map[string]map[string]struct{}),
		snapshots: make(map[string]SnapshotFunc),
	}
}

// Snapshots makes subscribe to topic reply with fn's snapshots, sent as
// messages of type topic.
func (r *Router) Snapshots(topic string, fn SnapshotFunc) {
	r.snapshots[topic] = fn
}

// Add registers a recipient for broadcasts.
func (r *Router) Add(rc Recipient) {
	if _, ok := r.subs[rc]; ok {
		return
	}
	r.subs[rc] = make(map[string]map[string]struct{})
	r.order = append(r.order, rc)
}

// Remove drops a recipient and all of its subscriptions.
func (r *Router) Remove(rc Recipient) {
	if _, ok := r.subs[rc]; !ok {
		return
	}
	delete(r.subs, rc)
	for i, o := range r.order {
		if o == rc {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
}

// Len is the number of registered recipients.
func (r *Router) Len() int { return len(r.order) }

// Subscribe adds key to rc's subscriptions and sends rc the current snapshot
// for topics that have one.
func (r *Router) Subscribe(rc Recipient, key Key) {
	topics, ok := r.subs[rc]
	if !ok {
		return
	}
	ids, ok := topics[key.Topic]
	if !ok {
		ids = make(map[string]struct{})
		topics[key.Topic] = ids
	}
	ids[key.ID] = struct{}{}

	fn, ok := r.snapshots[key.Topic]
	if !ok {
		return
	}
	for _, snap := range fn(key.ID) {
		if err := rc.Send(domain.MessageType(key.Topic), snap); err != nil {
			return
		}
	}
}

// Unsubscribe removes key; an All key removes the whole topic.
func (r *Router) Unsubscribe(rc Recipient, key Key) {
	topics, ok := r.subs[rc]
	if !ok {
		return
	}
	if key.ID == All {
		delete(topics, key.Topic)
		return
	}
	if ids, ok := topics[key.Topic]; ok {
		delete(ids, key.ID)
		if len(ids) == 0 {
			delete(topics, key.Topic)
		}
	}
}

// Matches reports whether rc holds (topic, id) or (topic, All).
func (r *Router) Matches(rc Recipient, topic, id string) bool {
	ids, ok := r.subs[rc][topic]
	if !ok {
		return false
	}
	if _, ok := ids[id]; ok {
		return true
	}
	_, ok = ids[All]
	return ok
}

// Subscriptions lists rc's keys.
func (r *Router) Subscriptions(rc Recipient) []Key {
	var keys []Key
	for topic, ids := range r.subs[rc] {
		for id := range ids {
			keys = append(keys, Key{Topic: topic, ID: id})
		}
	}
	return keys
}

// BroadcastToSubscribers delivers to every recipient matching (topic, id).
// A failed send never stops the fan-out.
func (r *Router) BroadcastToSubscribers(topic, id string, t domain.MessageType, data any) {
	for _, rc := range r.recipients() {
		if r.Matches(rc, topic, id) {
			deliver(rc, t, data)
		}
	}
}

// BroadcastToAll delivers to every registered recipient.
func (r *Router) BroadcastToAll(t domain.MessageType, data any) {
	for _, rc := range r.recipients() {
		deliver(rc, t, data)
	}
}

// recipients copies the registry: a failed send may remove a recipient mid fan-out.
func (r *Router) recipients() []Recipient {
	return append([]Recipient(nil), r.order...)
}

func deliver(rc Recipient, t domain.MessageType, data any) {
	if err := rc.Send(t, data); err != nil {
		slog.Debug("broadcast delivery failed", "type", t, "error", err)
	}
}
