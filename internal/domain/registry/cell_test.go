package registry

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlsds/delivery-service/internal/domain/event"
)

func messageEvent() *event.StreamEvent {
	return &event.StreamEvent{Kind: event.KindMessageCreated, Priority: event.PriorityNormal}
}

func commitEvent() *event.StreamEvent {
	return &event.StreamEvent{Kind: event.KindCommitCreated, Priority: event.PriorityHigh}
}

func TestIsUrgentByKind(t *testing.T) {
	assert.True(t, isUrgent(commitEvent()))
	assert.True(t, isUrgent(&event.StreamEvent{Kind: event.KindWelcomeStaged, Priority: event.PriorityHigh}))
	assert.True(t, isUrgent(&event.StreamEvent{Kind: event.KindMemberChanged, Priority: event.PriorityNormal}))
	assert.False(t, isUrgent(messageEvent()))
}

func TestIsUrgentByPriorityFallback(t *testing.T) {
	assert.True(t, isUrgent(&event.StreamEvent{Kind: event.KindMessageCreated, Priority: event.PriorityHigh}))
	assert.False(t, isUrgent(&event.StreamEvent{Kind: event.KindMessageCreated, Priority: event.PriorityLow}))
}

func TestCellPushRoutesByTier(t *testing.T) {
	c := NewCell(uuid.New(), 4)
	defer c.Stop()

	// deliver() is a no-op with no sessions attached, so the loop just
	// drains both tiers without blocking; this only checks that Push
	// doesn't panic or deadlock routing between the two channels.
	ok := c.Push(messageEvent())
	require.True(t, ok)
	ok = c.Push(commitEvent())
	require.True(t, ok)

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 0, len(c.urgent), "urgent tier drains even with no sessions attached")
	assert.Equal(t, 0, len(c.mailbox))
}

func TestCellIsIdle(t *testing.T) {
	c := NewCell(uuid.New(), 4)
	defer c.Stop()
	assert.True(t, c.IsIdle(0))
	assert.False(t, c.IsIdle(time.Hour))
}

func TestCellAttachDetach(t *testing.T) {
	c := NewCell(uuid.New(), 4)
	defer c.Stop()

	conn := NewConnector(t.Context(), c.deviceID, 4)
	c.Attach(conn)
	assert.False(t, c.IsIdle(time.Hour))

	isEmpty := c.Detach(conn.GetID())
	assert.True(t, isEmpty)
}
