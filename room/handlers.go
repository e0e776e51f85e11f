package room

import (
	"encoding/json"
	"log/slog"
	"sort"

	"github.com/workwithpact/cf-socket-server/domain"
	"github.com/workwithpact/cf-socket-server/poll"
	"github.com/workwithpact/cf-socket-server/session"
	"github.com/workwithpact/cf-socket-server/subscription"
)

// Unauthorized and malformed messages are dropped without a reply; clients
// only ever observe silence for them.

type chatMessage struct {
	Message json.RawMessage       `json:"message"`
	User    session.PublicProfile `json:"user"`
}

type relayMessage struct {
	Type domain.MessageType     `json:"type"`
	Data json.RawMessage        `json:"data"`
	User session.PrivateProfile `json:"user"`
}

// ownProfile is what a session is told about itself: its private profile
// plus its live subscriptions and relay registrations.
type ownProfile struct {
	session.PrivateProfile
	Subscriptions []string             `json:"subscriptions"`
	Relays        []domain.MessageType `json:"relays"`
}

func (r *Room) ownProfile(s *session.Session) ownProfile {
	keys := r.router.Subscriptions(s)
	subs := make([]string, 0, len(keys))
	for _, k := range keys {
		subs = append(subs, k.String())
	}
	sort.Strings(subs)
	relays := append([]domain.MessageType{}, r.relays.Types(s)...)
	sort.Slice(relays, func(i, j int) bool { return relays[i] < relays[j] })
	return ownProfile{PrivateProfile: s.PrivateProfile(), Subscriptions: subs, Relays: relays}
}

type handlerFunc func(s *session.Session, msg domain.Message)

func (r *Room) wire(s *session.Session) {
	handlers := []struct {
		t domain.MessageType
		h handlerFunc
	}{
		{domain.TypeLogin, r.handleLogin},
		{domain.TypeProfile, r.handleProfile},
		{domain.TypeAuthenticate, r.handleAuthenticate},
		{domain.TypeConfig, r.handleConfig},
		{domain.TypeBroadcast, r.handleBroadcast},
		{domain.TypeSubscribe, r.handleSubscribe},
		{domain.TypeUnsubscribe, r.handleUnsubscribe},
		{domain.TypePoll, r.voteHandler(poll.Persistent, domain.TypePoll)},
		{domain.TypeEphemeralPoll, r.voteHandler(poll.Ephemeral, domain.TypeEphemeralPoll)},
		{domain.TypeCounter, r.handleCounter},
		{domain.TypeRelay, r.handleRelay},
		{domain.TypeDeleteRelay, r.handleDeleteRelay},
		{domain.TypeChat, r.handleChat},
		{domain.TypeClose, r.handleClose},
		{domain.TypeAny, r.forward},
	}
	for _, entry := range handlers {
		h := entry.h
		s.On(entry.t, func(msg domain.Message) { h(s, msg) })
	}
}

func (r *Room) handleLogin(s *session.Session, msg domain.Message) {
	var props map[string]any
	if err := session.Data(msg, &props); err != nil || props == nil {
		slog.Debug("dropping login", "room", r.name, "sessionId", s.ID(), "error", err)
		return
	}
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.identities.SetProperties(ctx, s.Identifier(), s.Suffix(), props); err != nil {
		slog.Error("persist identity", "room", r.name, "identifier", s.Identifier(), "error", err)
	}
	_ = s.Send(domain.TypeProfile, r.ownProfile(s))
}

func (r *Room) handleProfile(s *session.Session, _ domain.Message) {
	_ = s.Send(domain.TypeProfile, r.ownProfile(s))
}

func (r *Room) handleAuthenticate(s *session.Session, msg domain.Message) {
	var p domain.AuthenticatePayload
	if err := session.Data(msg, &p); err != nil {
		return
	}
	if !r.gate.Authenticate(r.name, p.Digest, p.Timestamp) {
		slog.Info("admin authentication rejected", "room", r.name, "sessionId", s.ID())
		return
	}
	s.Elevate(session.RoleAdmin)
	slog.Info("session elevated to admin", "room", r.name, "sessionId", s.ID(), "identifier", s.Identifier())
	s.Trigger(domain.TypeProfile, nil)
}

func (r *Room) handleConfig(s *session.Session, msg domain.Message) {
	if s.Role() != session.RoleAdmin || len(msg.Data) == 0 || !json.Valid(msg.Data) {
		return
	}
	r.config = string(msg.Data)
	r.persist(keyConfig, msg.Data)
	r.router.BroadcastToAll(domain.TypeConfig, msg.Data)
}

func (r *Room) handleBroadcast(s *session.Session, msg domain.Message) {
	if s.Role() != session.RoleAdmin {
		return
	}
	r.router.BroadcastToAll(domain.TypeBroadcast, msg.Data)
}

func (r *Room) handleSubscribe(s *session.Session, msg domain.Message) {
	for _, raw := range domain.ChannelKeys(msg.Data) {
		if key, ok := subscription.ParseKey(raw); ok {
			r.router.Subscribe(s, key)
		}
	}
}

func (r *Room) handleUnsubscribe(s *session.Session, msg domain.Message) {
	for _, raw := range domain.ChannelKeys(msg.Data) {
		if key, ok := subscription.ParseKey(raw); ok {
			r.router.Unsubscribe(s, key)
		}
	}
}

func (r *Room) voteHandler(kind poll.Kind, t domain.MessageType) handlerFunc {
	return func(s *session.Session, msg domain.Message) {
		var p domain.VotePayload
		if err := session.Data(msg, &p); err != nil {
			return
		}
		snap, err := r.polls.CastVote(kind, p.ID, string(p.Answer), s.Identifier())
		if err != nil {
			return
		}
		if kind == poll.Persistent {
			r.persistPolls()
		}
		r.router.BroadcastToSubscribers(string(t), snap.ID, t, snap)
	}
}

func (r *Room) handleCounter(s *session.Session, msg domain.Message) {
	var p domain.CounterPayload
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
	}
	v, err := r.polls.AdjustCounter(p.ID, p.Value)
	if err != nil {
		slog.Debug("dropping counter", "room", r.name, "sessionId", s.ID(), "error", err)
		return
	}
	r.persist(keyCounters, r.polls.Export().Counters)
	r.router.BroadcastToSubscribers(string(domain.TypeCounter), v.ID, domain.TypeCounter, v)
}

func (r *Room) handleRelay(s *session.Session, msg domain.Message) {
	if s.Role() != session.RoleAdmin {
		return
	}
	var p domain.RelayPayload
	if err := session.Data(msg, &p); err != nil || p.Type == "" {
		return
	}
	r.relays.Register(s, p.Type)
}

func (r *Room) handleDeleteRelay(s *session.Session, msg domain.Message) {
	var p domain.RelayPayload
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return
		}
	}
	if p.Type == "" {
		r.relays.DeregisterAll(s)
		return
	}
	r.relays.Deregister(s, p.Type)
}

func (r *Room) handleChat(s *session.Session, msg domain.Message) {
	if len(msg.Data) == 0 {
		return
	}
	r.router.BroadcastToSubscribers(string(domain.TypeChat), subscription.All, domain.TypeChat, chatMessage{
		Message: msg.Data,
		User:    s.PublicProfile(),
	})
}

func (r *Room) handleClose(s *session.Session, _ domain.Message) {
	r.removeSession(s)

	for _, snap := range r.polls.ClearEphemeralVotes(s.Identifier()) {
		r.router.BroadcastToSubscribers(string(domain.TypeEphemeralPoll), snap.ID, domain.TypeEphemeralPoll, snap)
	}

	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.identities.Save(ctx, s.Identifier(), s.Suffix()); err != nil {
		slog.Error("persist identity on close", "room", r.name, "identifier", s.Identifier(), "error", err)
	}
	r.identities.Release(s.Identifier())

	slog.Info("session disconnected", "room", r.name, "sessionId", s.ID(), "identifier", s.Identifier(), "sessions", len(r.sessions))
	r.checkEmpty()
}

// forward relays every inbound message to the sessions registered for its type.
func (r *Room) forward(s *session.Session, msg domain.Message) {
	if len(r.relays.Targets(msg.Type)) == 0 {
		return
	}
	r.relays.Forward(msg.Type, relayMessage{Type: msg.Type, Data: msg.Data, User: s.PrivateProfile()})
}

func (r *Room) persistPolls() {
	r.persist(keyPolls, r.polls.Export().Polls)
}

func (r *Room) persist(key string, v any) {
	var b []byte
	if raw, ok := v.(json.RawMessage); ok {
		b = raw
	} else {
		var err error
		if b, err = json.Marshal(v); err != nil {
			slog.Error("encode room state", "room", r.name, "key", key, "error", err)
			return
		}
	}
	ctx, cancel := r.storeContext()
	defer cancel()
	if err := r.kv.Put(ctx, key, b); err != nil {
		slog.Error("persist room state", "room", r.name, "key", key, "error", err)
	}
}
