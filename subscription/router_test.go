package subscription

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workwithpact/cf-socket-server/domain"
)

type sent struct {
	t    domain.MessageType
	data any
}

type mockRecipient struct {
	name     string
	received []sent
	sendErr  error
	onFail   func()
}

func (m *mockRecipient) Send(t domain.MessageType, data any) error {
	if m.sendErr != nil {
		if m.onFail != nil {
			m.onFail()
		}
		return m.sendErr
	}
	m.received = append(m.received, sent{t: t, data: data})
	return nil
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		in   string
		want Key
		ok   bool
	}{
		{in: "chat", want: Key{Topic: "chat", ID: All}, ok: true},
		{in: "poll:p1", want: Key{Topic: "poll", ID: "p1"}, ok: true},
		{in: "poll:", want: Key{Topic: "poll", ID: All}, ok: true},
		{in: "counter:a:b", want: Key{Topic: "counter", ID: "a:b"}, ok: true},
		{in: "", ok: false},
		{in: ":p1", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseKey(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRouter_Matches(t *testing.T) {
	tests := []struct {
		name      string
		subscribe []string
		topic, id string
		want      bool
	}{
		{name: "exact id", subscribe: []string{"poll:p1"}, topic: "poll", id: "p1", want: true},
		{name: "other id", subscribe: []string{"poll:p1"}, topic: "poll", id: "p2", want: false},
		{name: "wildcard", subscribe: []string{"poll"}, topic: "poll", id: "p2", want: true},
		{name: "wildcard and id", subscribe: []string{"poll:p1", "poll"}, topic: "poll", id: "p9", want: true},
		{name: "other topic", subscribe: []string{"poll"}, topic: "counter", id: "p1", want: false},
		{name: "nothing", topic: "chat", id: All, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter()
			rc := &mockRecipient{}
			r.Add(rc)
			for _, s := range tt.subscribe {
				key, ok := ParseKey(s)
				require.True(t, ok)
				r.Subscribe(rc, key)
			}
			assert.Equal(t, tt.want, r.Matches(rc, tt.topic, tt.id))
		})
	}
}

func TestRouter_Unsubscribe(t *testing.T) {
	r := NewRouter()
	rc := &mockRecipient{}
	r.Add(rc)
	r.Subscribe(rc, Key{Topic: "poll", ID: "p1"})
	r.Subscribe(rc, Key{Topic: "poll", ID: "p2"})

	r.Unsubscribe(rc, Key{Topic: "poll", ID: "p1"})
	assert.False(t, r.Matches(rc, "poll", "p1"))
	assert.True(t, r.Matches(rc, "poll", "p2"))

	r.Unsubscribe(rc, Key{Topic: "poll", ID: All})
	assert.False(t, r.Matches(rc, "poll", "p2"))
	assert.Empty(t, r.Subscriptions(rc))
}

func TestRouter_SubscribeSendsSnapshot(t *testing.T) {
	r := NewRouter()
	r.Snapshots("poll", func(id string) []any {
		if id == All {
			return []any{"p1-state", "p2-state"}
		}
		if id == "p1" {
			return []any{"p1-state"}
		}
		return nil
	})
	rc := &mockRecipient{}
	r.Add(rc)

	r.Subscribe(rc, Key{Topic: "poll", ID: "p1"})
	r.Subscribe(rc, Key{Topic: "poll", ID: "missing"})
	r.Subscribe(rc, Key{Topic: "chat", ID: All})
	r.Subscribe(rc, Key{Topic: "poll", ID: All})

	assert.Equal(t, []sent{
		{t: domain.TypePoll, data: "p1-state"},
		{t: domain.TypePoll, data: "p1-state"},
		{t: domain.TypePoll, data: "p2-state"},
	}, rc.received)
}

func TestRouter_BroadcastToSubscribers(t *testing.T) {
	r := NewRouter()
	a := &mockRecipient{name: "a"}
	b := &mockRecipient{name: "b"}
	c := &mockRecipient{name: "c"}
	for _, rc := range []*mockRecipient{a, b, c} {
		r.Add(rc)
	}
	r.Subscribe(a, Key{Topic: "chat", ID: All})
	r.Subscribe(b, Key{Topic: "chat", ID: All})

	r.BroadcastToSubscribers("chat", All, domain.TypeChat, "hi")

	assert.Len(t, a.received, 1)
	assert.Len(t, b.received, 1)
	assert.Empty(t, c.received)
}

func TestRouter_BroadcastIsolatesFailures(t *testing.T) {
	r := NewRouter()
	broken := &mockRecipient{name: "broken", sendErr: errors.New("gone")}
	broken.onFail = func() { r.Remove(broken) }
	ok1 := &mockRecipient{name: "ok1"}
	ok2 := &mockRecipient{name: "ok2"}
	r.Add(ok1)
	r.Add(broken)
	r.Add(ok2)

	r.BroadcastToAll(domain.TypeBroadcast, "news")

	assert.Len(t, ok1.received, 1)
	assert.Len(t, ok2.received, 1)
	assert.Equal(t, 2, r.Len())
}

func TestRouter_Remove(t *testing.T) {
	r := NewRouter()
	rc := &mockRecipient{}
	r.Add(rc)
	r.Add(rc)
	r.Subscribe(rc, Key{Topic: "chat", ID: All})
	require.Equal(t, 1, r.Len())

	r.Remove(rc)
	assert.Zero(t, r.Len())
	assert.False(t, r.Matches(rc, "chat", All))

	r.BroadcastToAll(domain.TypeChat, "hi")
	assert.Empty(t, rc.received)
}
