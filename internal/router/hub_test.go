package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameCapture struct {
	frames []Frame
}

func (c *frameCapture) hook(f Frame) { c.frames = append(c.frames, f) }

func TestClientSendWithHook(t *testing.T) {
	client := NewClient(nil)
	capture := &frameCapture{}
	client.SetSendHook(capture.hook)

	client.Send(Frame{Type: "ping"})
	require.Len(t, capture.frames, 1)
	assert.Equal(t, "ping", capture.frames[0].Type)
}

func TestClientSendWithoutConnDoesNotPanic(t *testing.T) {
	client := NewClient(nil)
	client.Send(Frame{Type: "noop"})
}

func TestHubRegisterAndGet(t *testing.T) {
	h := NewHub()
	info := &ClientInfo{ClientID: "c1", Role: RoleUnauth, Client: NewClient(nil)}
	h.Register(info)

	got, ok := h.Get("c1")
	require.True(t, ok)
	assert.Equal(t, info, got)

	h.Unregister("c1")
	_, ok = h.Get("c1")
	assert.False(t, ok)
}

func TestHubSetProducerAndConsumer(t *testing.T) {
	h := NewHub()
	h.Register(&ClientInfo{ClientID: "p1", Client: NewClient(nil)})
	h.SetProducer("p1", 10, 20, 30, "slug-1")

	info, ok := h.Get("p1")
	require.True(t, ok)
	assert.Equal(t, RoleProducer, info.Role)
	assert.Equal(t, uint(10), info.SessionID)
	assert.Equal(t, uint(20), info.UserID)
	assert.Equal(t, uint(30), info.HubID)
	assert.Equal(t, "slug-1", info.HubSlug)

	h.Register(&ClientInfo{ClientID: "co1", Client: NewClient(nil)})
	h.SetConsumer("co1", 20)
	consumers := h.ConsumersForUser(20)
	require.Len(t, consumers, 1)
	assert.Equal(t, "co1", consumers[0].ClientID)
}

func TestHubProducerBySessionIDEnforcesOwnership(t *testing.T) {
	h := NewHub()
	h.Register(&ClientInfo{ClientID: "p1", Client: NewClient(nil)})
	h.SetProducer("p1", 5, 100, 1, "slug-1")

	_, ok := h.ProducerBySessionID(5, 100)
	assert.True(t, ok)

	_, ok = h.ProducerBySessionID(5, 999)
	assert.False(t, ok, "a different user's consumer must not reach this producer")
}

func TestClientCloseWithStatusWithoutConnDoesNotPanic(t *testing.T) {
	client := NewClient(nil)
	client.CloseWithStatus(1001, "server restarted")
}

func TestHubAllReturnsEverySocket(t *testing.T) {
	h := NewHub()
	h.Register(&ClientInfo{ClientID: "p1", Role: RoleProducer, Client: NewClient(nil)})
	h.Register(&ClientInfo{ClientID: "co1", Role: RoleConsumer, Client: NewClient(nil)})

	all := h.All()
	assert.Len(t, all, 2)
}

func TestHubFanOutToConsumersIsBestEffort(t *testing.T) {
	h := NewHub()
	captured := []Frame{}
	c := NewClient(nil)
	c.SetSendHook(func(f Frame) { captured = append(captured, f) })
	h.Register(&ClientInfo{ClientID: "co1", Role: RoleConsumer, ConsumerUserID: 1, Client: c})
	h.Register(&ClientInfo{ClientID: "co2", Role: RoleConsumer, ConsumerUserID: 2, Client: NewClient(nil)})

	h.FanOutToConsumers(1, Frame{Type: "status_update"})
	require.Len(t, captured, 1)
	assert.Equal(t, "status_update", captured[0].Type)
}
