package store

import (
	"context"
	"sync"

	"github.com/workwithpact/cf-socket-server/domain"
)

// Memory is an in-process store, used by tests and ephemeral deployments.
type Memory struct {
	mu    sync.RWMutex
	rooms map[string]map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]map[string][]byte)}
}

func (m *Memory) Room(name string) domain.Store {
	return &memoryRoom{parent: m, room: name}
}

type memoryRoom struct {
	parent *Memory
	room   string
}

func (r *memoryRoom) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.parent.mu.RLock()
	defer r.parent.mu.RUnlock()
	v, ok := r.parent.rooms[r.room][key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (r *memoryRoom) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()
	kv, ok := r.parent.rooms[r.room]
	if !ok {
		kv = make(map[string][]byte)
		r.parent.rooms[r.room] = kv
	}
	kv[key] = append([]byte(nil), value...)
	return nil
}

func (r *memoryRoom) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.parent.mu.Lock()
	defer r.parent.mu.Unlock()
	delete(r.parent.rooms[r.room], key)
	return nil
}
