// Package session wraps one client connection: listener dispatch, liveness and the outbound send path.
package session

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/workwithpact/cf-socket-server/domain"
	"github.com/workwithpact/cf-socket-server/protocol"
)

// ErrClosed is returned when sending on a disconnected session.
var ErrClosed = errors.New("session closed")

// Role is a session's privilege level.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Listener handles one inbound message. Wildcard listeners see the original type in msg.Type.
type Listener func(msg domain.Message)

// PropertySource resolves an identifier to its shared property bag.
type PropertySource interface {
	Properties(identifier string) map[string]any
}

// Options configures a new Session.
type Options struct {
	Identifier   string
	Suffix       int
	Transport    domain.Transport
	Properties   PropertySource
	PingInterval time.Duration
	// Schedule runs fn on the owning room's event loop.
	Schedule func(fn func())
	Now      func() time.Time
}

// Session is the runtime state of one live connection.
// All methods must be called from the owning room's event loop.
type Session struct {
	identifier string
	suffix     int
	role       Role
	transport  domain.Transport
	props      PropertySource

	listeners map[domain.MessageType][]Listener
	connected bool

	lastActivity time.Time
	lastInbound  time.Time

	pingInterval time.Duration
	timer        *time.Timer
	schedule     func(func())
	now          func() time.Time
}

// New creates a connected member session. Call Start to arm the liveness timer.
func New(opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schedule := opts.Schedule
	if schedule == nil {
		schedule = func(fn func()) { fn() }
	}
	started := now()
	return &Session{
		identifier:   opts.Identifier,
		suffix:       opts.Suffix,
		role:         RoleMember,
		transport:    opts.Transport,
		props:        opts.Properties,
		listeners:    make(map[domain.MessageType][]Listener),
		connected:    true,
		lastActivity: started,
		lastInbound:  started,
		pingInterval: opts.PingInterval,
		schedule:     schedule,
		now:          now,
	}
}

func (s *Session) ID() string         { return s.transport.ID() }
func (s *Session) Identifier() string { return s.identifier }
func (s *Session) Suffix() int        { return s.suffix }
func (s *Session) Connected() bool    { return s.connected }
func (s *Session) Role() Role         { return s.role }

// LastActivity is the time of the last inbound message or successful send.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// Elevate changes the session's role.
func (s *Session) Elevate(role Role) { s.role = role }

// On appends a listener for messages of type t. Listeners run in registration order.
func (s *Session) On(t domain.MessageType, l Listener) {
	if !s.connected {
		return
	}
	s.listeners[t] = append(s.listeners[t], l)
}

// Dispatch handles one raw inbound frame. Malformed frames are logged and dropped.
func (s *Session) Dispatch(raw []byte) {
	if !s.connected {
		return
	}
	s.lastInbound = s.now()
	s.lastActivity = s.lastInbound
	msg, err := protocol.Decode(raw)
	if err != nil {
		slog.Warn("dropping malformed frame", "sessionId", s.ID(), "error", err)
		return
	}
	s.handle(msg)
}

// Trigger dispatches a locally synthesized message.
func (s *Session) Trigger(t domain.MessageType, data any) {
	s.handle(domain.Message{Type: t, Data: protocol.Raw(data)})
}

func (s *Session) handle(msg domain.Message) {
	if msg.Type == domain.TypeClose {
		if !s.disconnect() {
			return
		}
	} else if !s.connected {
		return
	}

	s.invoke(msg.Type, msg)
	if msg.Type != domain.TypeAny {
		s.invoke(domain.TypeAny, msg)
	}

	if msg.Type == domain.TypeClose {
		s.listeners = nil
	}
}

func (s *Session) invoke(key domain.MessageType, msg domain.Message) {
	for _, l := range s.listeners[key] {
		s.call(l, msg)
	}
}

func (s *Session) call(l Listener, msg domain.Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("listener failed", "sessionId", s.ID(), "type", msg.Type, "panic", r)
		}
	}()
	l(msg)
}

// disconnect marks the session closed and releases the transport. It reports
// whether this call performed the transition.
func (s *Session) disconnect() bool {
	if !s.connected {
		return false
	}
	s.connected = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if err := s.transport.Close(); err != nil {
		slog.Debug("transport close", "sessionId", s.ID(), "error", err)
	}
	return true
}

// Send writes one message to the client. A transport failure disconnects the
// session and fires its close listeners.
func (s *Session) Send(t domain.MessageType, data any) error {
	if !s.connected {
		return ErrClosed
	}
	b, err := protocol.Encode(t, data)
	if err != nil {
		slog.Error("encode outbound message", "sessionId", s.ID(), "type", t, "error", err)
		return err
	}
	if err := s.transport.Send(b); err != nil {
		slog.Warn("send failed, closing session", "sessionId", s.ID(), "type", t, "error", err)
		s.Trigger(domain.TypeClose, nil)
		return err
	}
	s.lastActivity = s.now()
	return nil
}

// Start arms the liveness timer.
func (s *Session) Start() {
	if s.pingInterval <= 0 || !s.connected {
		return
	}
	s.arm()
}

func (s *Session) arm() {
	s.timer = time.AfterFunc(s.pingInterval, func() {
		s.schedule(s.tick)
	})
}

func (s *Session) tick() {
	if !s.connected {
		return
	}
	s.timer = nil
	if !s.Heartbeat() {
		return
	}
	s.arm()
}

// Heartbeat sends a ping, or terminates the session when nothing has been
// received for twice the ping interval. It reports whether the session is still live.
func (s *Session) Heartbeat() bool {
	if !s.connected {
		return false
	}
	now := s.now()
	if now.Sub(s.lastInbound) > 2*s.pingInterval {
		slog.Info("session timed out", "sessionId", s.ID(), "identifier", s.identifier)
		s.Trigger(domain.TypeClose, nil)
		return false
	}
	return s.Send(domain.TypePing, now.UnixMilli()) == nil
}

// Close disconnects the session as if the client had sent a close message.
func (s *Session) Close() {
	s.Trigger(domain.TypeClose, nil)
}

// PublicProfile is the projection of a session that may be broadcast.
type PublicProfile struct {
	Suffix     int            `json:"suffix"`
	Properties map[string]any `json:"properties"`
}

// PrivateProfile is only ever sent to the owning session.
type PrivateProfile struct {
	ID                string            `json:"id"`
	Suffix            int               `json:"suffix"`
	Role              Role              `json:"role"`
	Properties        map[string]any    `json:"properties"`
	ConnectionDetails map[string]string `json:"connectionDetails"`
}

func (s *Session) properties() map[string]any {
	if s.props == nil {
		return map[string]any{}
	}
	p := s.props.Properties(s.identifier)
	if p == nil {
		return map[string]any{}
	}
	return p
}

// PublicProfile strips private properties: keys starting with "_" and "subscriptions".
func (s *Session) PublicProfile() PublicProfile {
	return PublicProfile{Suffix: s.suffix, Properties: PublicProperties(s.properties())}
}

func (s *Session) PrivateProfile() PrivateProfile {
	return PrivateProfile{
		ID:                s.identifier,
		Suffix:            s.suffix,
		Role:              s.role,
		Properties:        s.properties(),
		ConnectionDetails: s.transport.Details(),
	}
}

// PublicProperties copies props without private keys.
func PublicProperties(props map[string]any) map[string]any {
	public := make(map[string]any, len(props))
	for k, v := range props {
		if strings.HasPrefix(k, "_") || k == "subscriptions" {
			continue
		}
		public[k] = v
	}
	return public
}

// Data decodes the payload of msg into v.
func Data(msg domain.Message, v any) error {
	if len(msg.Data) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(msg.Data, v)
}
