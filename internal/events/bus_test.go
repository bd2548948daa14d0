package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	default:
		t.Fatal("expected an event")
		return nil
	}
}

func TestTypedSubscriptionFilters(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(ContractCreated)

	bus.Emit(ContractCreated, "node-a", "c-1", map[string]interface{}{"contract_id": "c-1"})
	bus.Emit(PeerJoined, "node-a", "node-b", nil)

	e := recv(t, sub)
	assert.Equal(t, ContractCreated, e.Type)
	assert.Equal(t, "node-a", e.Source)
	assert.Equal(t, "c-1", e.Subject)
	assert.Empty(t, sub)
}

func TestWildcardSubscriptionSeesEverything(t *testing.T) {
	bus := NewBus()
	all := bus.Subscribe()

	bus.Emit(ContractCreated, "node-a", "c-1", nil)
	bus.Emit(PeerJoined, "node-a", "node-b", nil)

	assert.Equal(t, ContractCreated, recv(t, all).Type)
	assert.Equal(t, PeerJoined, recv(t, all).Type)
}

func TestFullSubscriberNeverBlocksPublisher(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(PeerJoined)

	// Overflow the buffer; Publish must not block.
	for i := 0; i < 250; i++ {
		bus.Emit(PeerJoined, "node-a", "node-b", nil)
	}
	assert.Len(t, sub, 100)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(PeerJoined)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Publishing after unsubscribe is harmless.
	bus.Emit(PeerJoined, "node-a", "node-b", nil)
}

func TestEventEnvelopeIsCloudEvents(t *testing.T) {
	e := NewEvent(ContractViolated, "node-a", "c-1", map[string]interface{}{"reason": "late"})

	raw, err := e.JSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "1.0", decoded["specversion"])
	assert.Equal(t, string(ContractViolated), decoded["type"])
	assert.Equal(t, "node-a", decoded["source"])
	assert.NotEmpty(t, decoded["id"])
}

func TestSSEFormat(t *testing.T) {
	e := NewEvent(PeerJoined, "node-a", "node-b", nil)
	out, err := e.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(out), "event: "+string(PeerJoined))
	assert.Contains(t, string(out), "id: "+e.ID)
}
