package relay

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/workwithpact/cf-socket-server/domain"
)

type mockTarget struct {
	received []any
	sendErr  error
}

func (m *mockTarget) Send(t domain.MessageType, data any) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, data)
	return nil
}

func TestHub_RegisterIdempotent(t *testing.T) {
	h := NewHub()
	a := &mockTarget{}
	h.Register(a, domain.TypeChat)
	h.Register(a, domain.TypeChat)

	h.Forward(domain.TypeChat, "x")
	assert.Len(t, a.received, 1)
}

func TestHub_ForwardExactType(t *testing.T) {
	h := NewHub()
	chat := &mockTarget{}
	polls := &mockTarget{}
	h.Register(chat, domain.TypeChat)
	h.Register(polls, domain.TypePoll)

	h.Forward(domain.TypeChat, "hello")

	assert.Equal(t, []any{"hello"}, chat.received)
	assert.Empty(t, polls.received)
}

func TestHub_ForwardIsolatesFailures(t *testing.T) {
	h := NewHub()
	broken := &mockTarget{sendErr: errors.New("gone")}
	ok := &mockTarget{}
	h.Register(broken, domain.TypeChat)
	h.Register(ok, domain.TypeChat)

	h.Forward(domain.TypeChat, "x")
	assert.Len(t, ok.received, 1)
}

func TestHub_Deregister(t *testing.T) {
	h := NewHub()
	a := &mockTarget{}
	b := &mockTarget{}
	h.Register(a, domain.TypeChat)
	h.Register(a, domain.TypePoll)
	h.Register(b, domain.TypeChat)

	h.Deregister(a, domain.TypeChat)
	assert.ElementsMatch(t, []domain.MessageType{domain.TypePoll}, h.Types(a))
	assert.Len(t, h.Targets(domain.TypeChat), 1)

	h.Register(a, domain.TypeCounter)
	h.DeregisterAll(a)
	assert.Empty(t, h.Types(a))
	assert.Empty(t, h.Targets(domain.TypePoll))
	assert.Len(t, h.Targets(domain.TypeChat), 1)
}
