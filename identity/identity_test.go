package identity

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workwithpact/cf-socket-server/store"
)

func TestStore_ResolveNewIdentifier(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory().Room("lobby"))

	for _, in := range []string{"", "unknown-id", "bad id with spaces", "../etc"} {
		id, err := s.Resolve(ctx, in)
		require.NoError(t, err)
		assert.NotEqual(t, in, id)
		assert.Empty(t, s.Properties(id))
	}
}

func TestStore_ResolvePersisted(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory().Room("lobby")
	snap, _ := json.Marshal(Snapshot{ID: "abc", Suffix: 7, Properties: map[string]any{"name": "ada"}})
	require.NoError(t, kv.Put(ctx, Key("abc"), snap))

	s := New(kv)
	id, err := s.Resolve(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	assert.Equal(t, map[string]any{"name": "ada"}, s.Properties("abc"))
}

func TestStore_SharedAcrossSessions(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory().Room("lobby")
	s := New(kv)

	id, err := s.Resolve(ctx, "")
	require.NoError(t, err)
	second, err := s.Resolve(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, second)
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.SetProperties(ctx, id, 3, map[string]any{"color": "red"}))
	assert.Equal(t, "red", s.Properties(second)["color"])

	raw, err := kv.Get(ctx, Key(id))
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, Snapshot{ID: id, Suffix: 3, Properties: map[string]any{"color": "red"}}, snap)
}

func TestStore_SetPropertiesReplaces(t *testing.T) {
	ctx := context.Background()
	s := New(store.NewMemory().Room("lobby"))
	id, _ := s.Resolve(ctx, "")

	require.NoError(t, s.SetProperties(ctx, id, 2, map[string]any{"a": 1.0, "b": 2.0}))
	require.NoError(t, s.SetProperties(ctx, id, 2, map[string]any{"c": 3.0}))

	assert.Equal(t, map[string]any{"c": 3.0}, s.Properties(id))
}

func TestStore_ReleaseReclaims(t *testing.T) {
	ctx := context.Background()
	kv := store.NewMemory().Room("lobby")
	s := New(kv)

	id, _ := s.Resolve(ctx, "")
	_, _ = s.Resolve(ctx, id)
	require.NoError(t, s.SetProperties(ctx, id, 2, map[string]any{"name": "bob"}))

	s.Release(id)
	assert.NotNil(t, s.Properties(id))
	s.Release(id)
	assert.Nil(t, s.Properties(id))
	assert.Zero(t, s.Len())

	again, err := s.Resolve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Equal(t, map[string]any{"name": "bob"}, s.Properties(id))
}

func TestStore_SetPropertiesUnknown(t *testing.T) {
	s := New(store.NewMemory().Room("lobby"))
	assert.Error(t, s.SetProperties(context.Background(), "nobody", 1, nil))
}
