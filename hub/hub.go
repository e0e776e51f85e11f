package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/workwithpact/cf-socket-server/domain"
	"github.com/workwithpact/cf-socket-server/room"
)

const evictTimeout = 10 * time.Second

// ErrClosed is returned by Get once the hub has been closed.
var ErrClosed = errors.New("hub closed")

// StoreProvider hands out the key-value store of a room.
type StoreProvider interface {
	Room(name string) domain.Store
}

// startup is a room being loaded. Callers asking for the same name wait on ready.
type startup struct {
	ready chan struct{}
	room  *room.Room
	err   error
}

// Hub places every room name on exactly one live Room.
type Hub struct {
	stores   StoreProvider
	template room.Options
	rooms    map[string]*room.Room
	starting map[string]*startup
	closed   bool
	mu       sync.Mutex
}

// New returns a hub creating rooms from template; Name, Store and OnEmpty
// are filled in per room.
func New(stores StoreProvider, template room.Options) *Hub {
	return &Hub{
		stores:   stores,
		template: template,
		rooms:    make(map[string]*room.Room),
		starting: make(map[string]*startup),
	}
}

// Get returns the live room for name, starting it if needed. Concurrent
// callers for a name share one startup; other names are never held up by it.
func (h *Hub) Get(ctx context.Context, name string) (*room.Room, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := h.rooms[name]; ok {
		h.mu.Unlock()
		return r, nil
	}
	if s, ok := h.starting[name]; ok {
		h.mu.Unlock()
		select {
		case <-s.ready:
			return s.room, s.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s := &startup{ready: make(chan struct{})}
	h.starting[name] = s
	h.mu.Unlock()

	r, err := h.start(ctx, name)

	h.mu.Lock()
	delete(h.starting, name)
	if err == nil && h.closed {
		err = ErrClosed
	} else if err == nil {
		h.rooms[name] = r
	}
	count := len(h.rooms)
	h.mu.Unlock()

	if errors.Is(err, ErrClosed) && r != nil {
		r.Close()
		r = nil
	}
	s.room, s.err = r, err
	close(s.ready)

	if err != nil {
		slog.Error("room startup failed", "room", name, "error", err)
		return nil, err
	}
	slog.Info("room started", "room", name, "rooms", count)
	return r, nil
}

func (h *Hub) start(ctx context.Context, name string) (*room.Room, error) {
	opts := h.template
	opts.Name = name
	opts.Store = h.stores.Room(name)
	opts.OnEmpty = h.evict
	return room.New(ctx, opts)
}

// Do runs fn against the live room for name. If the room shut down between
// lookup and use, fn is retried once on a fresh room. A room left without
// sessions or reservations afterwards is evicted.
func (h *Hub) Do(ctx context.Context, name string, fn func(*room.Room) error) error {
	for attempt := 0; ; attempt++ {
		r, err := h.Get(ctx, name)
		if err != nil {
			return err
		}
		err = fn(r)
		if errors.Is(err, room.ErrClosed) && attempt == 0 {
			h.forget(name, r)
			continue
		}
		if r.Count() == 0 {
			h.evict(r)
		}
		return err
	}
}

func (h *Hub) forget(name string, r *room.Room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[name] != r {
		return false
	}
	delete(h.rooms, name)
	return true
}

func (h *Hub) live(r *room.Room) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[r.Name()] == r
}

// evict closes r if it is idle and unpublishes it. The room loop decides
// idleness; a Get racing the close sees room.ErrClosed and Do retries.
func (h *Hub) evict(r *room.Room) {
	if !h.live(r) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), evictTimeout)
	defer cancel()

	idle, err := r.CloseIfIdle(ctx)
	if err != nil && !errors.Is(err, room.ErrClosed) {
		slog.Warn("room eviction failed", "room", r.Name(), "error", err)
		return
	}
	if !idle && err == nil {
		return
	}
	if h.forget(r.Name(), r) {
		rooms, _ := h.Stats()
		slog.Info("room removed", "room", r.Name(), "rooms", rooms)
	}
}

// Stats reports the number of live rooms and sessions.
func (h *Hub) Stats() (rooms, sessions int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms = len(h.rooms)
	for _, r := range h.rooms {
		sessions += r.Count()
	}
	return rooms, sessions
}

// Close shuts down every room. Rooms still starting are closed as soon as
// their startup finishes.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	rooms := make([]*room.Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = make(map[string]*room.Room)
	h.mu.Unlock()

	for _, r := range rooms {
		r.Close()
	}
}
