package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectSendAndRecv(t *testing.T) {
	c := NewConnector(t.Context(), uuid.New(), 1)
	defer c.Close()

	ok := c.Send(messageEvent(), 10*time.Millisecond)
	require.True(t, ok)

	got := <-c.Recv()
	assert.Equal(t, messageEvent().Kind, got.GetKind())
}

func TestConnectBackpressureDropsLowPriorityNewcomer(t *testing.T) {
	c := NewConnector(t.Context(), uuid.New(), 1)
	defer c.Close()

	require.True(t, c.Send(messageEvent(), 10*time.Millisecond)) // fills the one-slot buffer

	ok := c.Send(messageEvent(), 10*time.Millisecond)
	assert.False(t, ok, "a non-urgent arrival is dropped rather than evicting the queued event")
}

func TestConnectBackpressureEvictsForUrgentArrival(t *testing.T) {
	c := NewConnector(t.Context(), uuid.New(), 1)
	defer c.Close()

	require.True(t, c.Send(messageEvent(), 10*time.Millisecond)) // fills the one-slot buffer

	ok := c.Send(commitEvent(), 20*time.Millisecond)
	assert.True(t, ok, "an urgent arrival evicts a queued non-urgent event to make room")

	got := <-c.Recv()
	assert.Equal(t, commitEvent().Kind, got.GetKind())
}

func TestConnectCloseIsIdempotent(t *testing.T) {
	c := NewConnector(t.Context(), uuid.New(), 1)
	assert.NotPanics(t, func() {
		c.Close()
		c.Close()
	})
}
