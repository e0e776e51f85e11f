// Package room coordinates one named room: its sessions, subscriptions,
// polls, counters, relays and shared configuration.
//
// Every operation against a Room runs on the room's own goroutine, one at a
// time, so the sub-systems it composes need no locks of their own.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/workwithpact/cf-socket-server/admin"
	"github.com/workwithpact/cf-socket-server/domain"
	"github.com/workwithpact/cf-socket-server/identity"
	"github.com/workwithpact/cf-socket-server/poll"
	"github.com/workwithpact/cf-socket-server/relay"
	"github.com/workwithpact/cf-socket-server/session"
	"github.com/workwithpact/cf-socket-server/store"
	"github.com/workwithpact/cf-socket-server/subscription"
)

// ErrClosed is returned by operations on a room that has shut down.
var ErrClosed = errors.New("room closed")

const (
	keyConfig   = "config"
	keyPolls    = "polls"
	keyCounters = "counters"

	storeTimeout = 5 * time.Second
	queueSize    = 256
)

// Options configures a Room.
type Options struct {
	Name         string
	Store        domain.Store
	AdminSecret  string
	AdminWindow  time.Duration
	PingInterval time.Duration
	Now          func() time.Time
	// OnEmpty is called, on its own goroutine, when the last session and
	// reservation are gone.
	OnEmpty func(*Room)
}

// Room is the coordinator of one room name.
type Room struct {
	name string
	id   string
	kv   domain.Store

	identities *identity.Store
	router     *subscription.Router
	polls      *poll.Aggregator
	gate       *admin.Gate
	relays     *relay.Hub

	sessions   map[string]*session.Session
	byIdentity map[string][]*session.Session
	config     string
	ordinal    int

	pingInterval time.Duration
	now          func() time.Time
	onEmpty      func(*Room)

	ctx     context.Context
	cancel  context.CancelFunc
	ops     chan func()
	done    chan struct{}
	stopped bool
	count   atomic.Int64
}

// ID derives the stable room id for name.
func ID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("room:"+name)).String()
}

// New loads the room's persisted state and starts its event loop. A room whose
// configuration cannot be loaded is not started.
func New(ctx context.Context, opts Options) (*Room, error) {
	if opts.Store == nil {
		return nil, errors.New("room store is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Room{
		name:         opts.Name,
		id:           ID(opts.Name),
		kv:           opts.Store,
		identities:   identity.New(opts.Store),
		router:       subscription.NewRouter(),
		polls:        poll.New(),
		gate:         admin.NewGate(opts.AdminSecret, opts.AdminWindow, now),
		relays:       relay.NewHub(),
		sessions:     make(map[string]*session.Session),
		byIdentity:   make(map[string][]*session.Session),
		ordinal:      1,
		pingInterval: opts.PingInterval,
		now:          now,
		onEmpty:      opts.OnEmpty,
		ctx:          base,
		cancel:       cancel,
		ops:          make(chan func(), queueSize),
		done:         make(chan struct{}),
	}
	if err := r.load(ctx); err != nil {
		cancel()
		return nil, err
	}
	r.registerSnapshots()
	go r.run()
	return r, nil
}

func (r *Room) load(ctx context.Context) error {
	config, err := r.kv.Get(ctx, keyConfig)
	switch {
	case err == nil:
		r.config = string(config)
	case errors.Is(err, store.ErrNotFound):
	default:
		return fmt.Errorf("load config for room %s: %w", r.name, err)
	}

	var st poll.State
	if raw, err := r.kv.Get(ctx, keyPolls); err == nil {
		if err := json.Unmarshal(raw, &st.Polls); err != nil {
			slog.Error("discarding unreadable polls", "room", r.name, "error", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load polls for room %s: %w", r.name, err)
	}
	if raw, err := r.kv.Get(ctx, keyCounters); err == nil {
		if err := json.Unmarshal(raw, &st.Counters); err != nil {
			slog.Error("discarding unreadable counters", "room", r.name, "error", err)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load counters for room %s: %w", r.name, err)
	}
	r.polls.Import(st)
	return nil
}

func (r *Room) registerSnapshots() {
	r.router.Snapshots(string(domain.TypePoll), r.pollSnapshots(poll.Persistent))
	r.router.Snapshots(string(domain.TypeEphemeralPoll), r.pollSnapshots(poll.Ephemeral))
	r.router.Snapshots(string(domain.TypeCounter), func(id string) []any {
		if id == subscription.All {
			var out []any
			for _, c := range r.polls.Counters() {
				out = append(out, c)
			}
			return out
		}
		if c, ok := r.polls.Counter(id); ok {
			return []any{c}
		}
		return nil
	})
}

func (r *Room) pollSnapshots(kind poll.Kind) subscription.SnapshotFunc {
	return func(id string) []any {
		if id == subscription.All {
			var out []any
			for _, s := range r.polls.Snapshots(kind) {
				out = append(out, s)
			}
			return out
		}
		if s, ok := r.polls.Snapshot(kind, id); ok {
			return []any{s}
		}
		return nil
	}
}

func (r *Room) Name() string { return r.name }
func (r *Room) ID() string   { return r.id }

// Count is the number of live sessions. Safe to call from any goroutine.
func (r *Room) Count() int { return int(r.count.Load()) }

func (r *Room) run() {
	defer close(r.done)
	for fn := range r.ops {
		fn()
		if r.stopped {
			r.shutdown()
			return
		}
	}
}

// post queues fn on the event loop without waiting for it.
func (r *Room) post(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.done:
	}
}

// call runs fn on the event loop and waits for it to finish.
func (r *Room) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case r.ops <- op:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, storeTimeout)
}

// Reserve resolves the identifier a connecting client will use and holds its
// identity until Accept or Release. If ctx ends before the room gets to the
// reservation, the reference it takes is given back on the room loop.
func (r *Room) Reserve(ctx context.Context, identifier string) (string, error) {
	var (
		mu        sync.Mutex
		ran       bool
		abandoned bool
		resolved  string
		err       error
	)
	callErr := r.call(ctx, func() {
		sctx, cancel := r.storeContext()
		defer cancel()
		id, resolveErr := r.identities.Resolve(sctx, identifier)

		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			if resolveErr == nil {
				r.identities.Release(id)
				r.checkEmpty()
			}
			return
		}
		ran, resolved, err = true, id, resolveErr
	})
	if callErr != nil {
		mu.Lock()
		defer mu.Unlock()
		if !ran {
			abandoned = true
			return "", callErr
		}
	}
	return resolved, err
}

// Release gives back a reservation that will not be accepted.
func (r *Room) Release(ctx context.Context, identifier string) error {
	return r.call(ctx, func() {
		r.identities.Release(identifier)
		r.checkEmpty()
	})
}

// Accept attaches conn as a new session for a reserved identifier.
func (r *Room) Accept(ctx context.Context, conn domain.Transport, identifier string) error {
	return r.call(ctx, func() { r.accept(conn, identifier) })
}

func (r *Room) accept(conn domain.Transport, identifier string) {
	r.ordinal++
	s := session.New(session.Options{
		Identifier:   identifier,
		Suffix:       r.ordinal,
		Transport:    conn,
		Properties:   r.identities,
		PingInterval: r.pingInterval,
		Schedule:     r.post,
		Now:          r.now,
	})
	r.sessions[conn.ID()] = s
	r.byIdentity[identifier] = append(r.byIdentity[identifier], s)
	r.router.Add(s)
	r.count.Store(int64(len(r.sessions)))
	r.wire(s)

	slog.Info("session connected", "room", r.name, "sessionId", s.ID(), "identifier", identifier, "suffix", s.Suffix(), "sessions", len(r.sessions))

	if err := s.Send(domain.TypeConfig, r.configPayload()); err != nil {
		return
	}
	if err := s.Send(domain.TypeProfile, r.ownProfile(s)); err != nil {
		return
	}
	s.Start()
}

// Handle dispatches one inbound frame from conn.
func (r *Room) Handle(conn domain.Transport, data []byte) {
	id := conn.ID()
	r.post(func() {
		if s, ok := r.sessions[id]; ok {
			s.Dispatch(data)
		}
	})
}

// Unregister closes the session of a transport that went away.
func (r *Room) Unregister(conn domain.Transport) {
	id := conn.ID()
	r.post(func() {
		if s, ok := r.sessions[id]; ok {
			s.Close()
		}
	})
}

func (r *Room) removeSession(s *session.Session) {
	delete(r.sessions, s.ID())
	siblings := r.byIdentity[s.Identifier()]
	for i, sib := range siblings {
		if sib == s {
			siblings = append(siblings[:i:i], siblings[i+1:]...)
			break
		}
	}
	if len(siblings) == 0 {
		delete(r.byIdentity, s.Identifier())
	} else {
		r.byIdentity[s.Identifier()] = siblings
	}
	r.router.Remove(s)
	r.relays.DeregisterAll(s)
	r.count.Store(int64(len(r.sessions)))
}

func (r *Room) checkEmpty() {
	if r.stopped || r.onEmpty == nil {
		return
	}
	if len(r.sessions) == 0 && r.identities.Len() == 0 {
		go r.onEmpty(r)
	}
}

// CloseIfIdle shuts the room down if it has no sessions and no reservations.
func (r *Room) CloseIfIdle(ctx context.Context) (bool, error) {
	idle := false
	err := r.call(ctx, func() {
		if len(r.sessions) == 0 && r.identities.Len() == 0 {
			idle = true
			r.stopped = true
		}
	})
	if err != nil {
		return false, err
	}
	if idle {
		<-r.done
	}
	return idle, nil
}

// Close disconnects every session and stops the event loop.
func (r *Room) Close() {
	_ = r.call(context.Background(), func() { r.stopped = true })
	<-r.done
}

func (r *Room) shutdown() {
	for _, s := range r.orderedSessions() {
		s.Close()
	}
	r.cancel()
	slog.Info("room closed", "room", r.name)
}

func (r *Room) orderedSessions() []*session.Session {
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Suffix() < out[j].Suffix() })
	return out
}

func (r *Room) configPayload() json.RawMessage {
	if r.config == "" || !json.Valid([]byte(r.config)) {
		if r.config != "" {
			slog.Error("stored room config is not valid JSON", "room", r.name)
		}
		return json.RawMessage("{}")
	}
	return json.RawMessage(r.config)
}

// Details is the introspection summary of a room.
type Details struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Count              int    `json:"count"`
	UniqueCount        int    `json:"uniqueCount"`
	Config             string `json:"config"`
	Increment          int    `json:"increment"`
	PollCount          int    `json:"pollCount"`
	EphemeralPollCount int    `json:"ephemeralPollCount"`
}

// Details reports the room summary.
func (r *Room) Details(ctx context.Context) (Details, error) {
	var d Details
	err := r.call(ctx, func() {
		d = Details{
			ID:                 r.id,
			Name:               r.name,
			Count:              len(r.sessions),
			UniqueCount:        len(r.byIdentity),
			Config:             r.config,
			Increment:          r.ordinal,
			PollCount:          r.polls.PollCount(poll.Persistent),
			EphemeralPollCount: r.polls.PollCount(poll.Ephemeral),
		}
	})
	return d, err
}

// User is one entry of the user listing.
type User struct {
	session.PublicProfile
	LastCommunication int64 `json:"lastCommunication"`
}

// Users lists the public profile of every live session.
type Users struct {
	TS    int64  `json:"ts"`
	Users []User `json:"users"`
}

func (r *Room) Users(ctx context.Context) (Users, error) {
	var u Users
	err := r.call(ctx, func() {
		u = Users{TS: r.now().UnixMilli(), Users: make([]User, 0, len(r.sessions))}
		for _, s := range r.orderedSessions() {
			u.Users = append(u.Users, User{
				PublicProfile:     s.PublicProfile(),
				LastCommunication: s.LastActivity().UnixMilli(),
			})
		}
	})
	return u, err
}
