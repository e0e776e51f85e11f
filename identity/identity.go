// Package identity keeps the reconnect-stable property bag of each client identifier.
//
// Sessions never hold the bag itself; they look it up by identifier. The store
// counts references per identifier and drops the in-memory bag once the last
// reference is released. Persisted state stays in the room's key-value store
// and is reloaded on the next Resolve.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"

	"github.com/workwithpact/cf-socket-server/domain"
	"github.com/workwithpact/cf-socket-server/store"
)

const keyPrefix = "user_"

var validIdentifier = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Snapshot is the persisted form of an identity.
type Snapshot struct {
	ID         string         `json:"id"`
	Suffix     int            `json:"suffix"`
	Properties map[string]any `json:"properties"`
}

type entry struct {
	properties map[string]any
	refs       int
}

// Store is the identity table of one room.
type Store struct {
	kv      domain.Store
	entries map[string]*entry
	newID   func() string
}

func New(kv domain.Store) *Store {
	return &Store{
		kv:      kv,
		entries: make(map[string]*entry),
		newID:   func() string { return uuid.New().String() },
	}
}

// Key is the store key holding an identifier's snapshot.
func Key(identifier string) string {
	return keyPrefix + identifier
}

// Resolve returns the identifier a new connection should use and takes a
// reference on its property bag. A known identifier keeps its persisted
// properties; an unknown or absent one is replaced by a fresh identifier with
// an empty bag.
func (s *Store) Resolve(ctx context.Context, identifier string) (string, error) {
	if e, ok := s.entries[identifier]; ok {
		e.refs++
		return identifier, nil
	}

	if validIdentifier.MatchString(identifier) {
		snap, err := s.load(ctx, identifier)
		switch {
		case err == nil:
			s.entries[identifier] = &entry{properties: snap.Properties, refs: 1}
			return identifier, nil
		case errors.Is(err, store.ErrNotFound):
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			slog.Warn("identity load failed, issuing new identifier", "identifier", identifier, "error", err)
		}
	}

	id := s.newID()
	s.entries[id] = &entry{properties: map[string]any{}, refs: 1}
	return id, nil
}

func (s *Store) load(ctx context.Context, identifier string) (Snapshot, error) {
	raw, err := s.kv.Get(ctx, Key(identifier))
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode identity %s: %w", identifier, err)
	}
	if snap.Properties == nil {
		snap.Properties = map[string]any{}
	}
	return snap, nil
}

// Properties returns the shared bag for identifier, or nil if it is not resolved.
func (s *Store) Properties(identifier string) map[string]any {
	if e, ok := s.entries[identifier]; ok {
		return e.properties
	}
	return nil
}

// SetProperties replaces the bag wholesale and persists it.
func (s *Store) SetProperties(ctx context.Context, identifier string, suffix int, props map[string]any) error {
	e, ok := s.entries[identifier]
	if !ok {
		return fmt.Errorf("identity %s is not resolved", identifier)
	}
	if props == nil {
		props = map[string]any{}
	}
	e.properties = props
	return s.Save(ctx, identifier, suffix)
}

// Save persists the current snapshot of identifier.
func (s *Store) Save(ctx context.Context, identifier string, suffix int) error {
	e, ok := s.entries[identifier]
	if !ok {
		return fmt.Errorf("identity %s is not resolved", identifier)
	}
	b, err := json.Marshal(Snapshot{ID: identifier, Suffix: suffix, Properties: e.properties})
	if err != nil {
		return fmt.Errorf("encode identity %s: %w", identifier, err)
	}
	return s.kv.Put(ctx, Key(identifier), b)
}

// Release drops one reference; the bag leaves memory with the last one.
func (s *Store) Release(identifier string) {
	e, ok := s.entries[identifier]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(s.entries, identifier)
	}
}

// Len is the number of identities currently held in memory.
func (s *Store) Len() int { return len(s.entries) }
