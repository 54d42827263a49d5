// Package registry implements the live-push half of the Event Stream
// (§4.6): every subscribing device is represented by an isolated Cell
// (actor) that fans a single event out to however many transport sessions
// (gRPC/WS/long-poll) that device currently has open, without letting a
// slow consumer on one session stall delivery to the others or back up
// into the publisher.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mlsds/delivery-service/internal/domain/event"
)

// Celler defines the internal API for device-specific delivery units.
type Celler interface {
	Push(ev event.Eventer) bool
	Attach(conn Connector)
	Detach(connID uuid.UUID) bool
	IsIdle(timeout time.Duration) bool
	Stop()
}

// Cell is the per-device actor backing the Event Stream's live-push path.
// A device's mailbox is split into two tiers so that epoch-critical events
// — commits, Welcomes, membership changes, rejoin requests — are never
// stuck behind a burst of ordinary message-created notifications bound for
// the same device; a client that misses one of those needs to resync its
// MLS group state, not just replay a cursor.
type Cell struct {
	deviceID uuid.UUID

	// urgent carries epoch-critical events; mailbox carries everything
	// else. loop always drains urgent down to empty before taking the
	// next event off mailbox.
	urgent  chan event.Eventer
	mailbox chan event.Eventer

	sessions map[uuid.UUID]Connector
	mu       sync.RWMutex

	doneCh chan struct{}

	lastActivityUnix int64
}

func NewCell(deviceID uuid.UUID, bufferSize int) *Cell {
	c := &Cell{
		deviceID:         deviceID,
		urgent:           make(chan event.Eventer, bufferSize),
		mailbox:          make(chan event.Eventer, bufferSize),
		sessions:         make(map[uuid.UUID]Connector),
		doneCh:           make(chan struct{}),
		lastActivityUnix: time.Now().Unix(),
	}
	go c.loop()
	return c
}

func (c *Cell) touch() {
	atomic.StoreInt64(&c.lastActivityUnix, time.Now().Unix())
}

// IsIdle reports whether the cell has no attached sessions and has seen no
// activity within timeout, making it safe for the Hub's evictor to reclaim.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	hasSessions := len(c.sessions) > 0
	c.mu.RUnlock()

	if hasSessions {
		return false
	}

	lastActivity := time.Unix(atomic.LoadInt64(&c.lastActivityUnix), 0)
	return time.Since(lastActivity) > timeout
}

// Push routes ev into the urgent or ordinary tier by kind/priority. A full
// tier drops the event rather than blocking — Push is called from the
// Event Stream's publish path, which must never stall on one slow device,
// and Publish has already put ev in the conversation's ring buffer before
// Push runs (the durable append follows), so a drop here only costs
// latency: the subscriber picks it up on its next replay.
func (c *Cell) Push(ev event.Eventer) bool {
	c.touch()
	ch := c.mailbox
	if isUrgent(ev) {
		ch = c.urgent
	}
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

func isUrgent(ev event.Eventer) bool {
	switch ev.GetKind() {
	case event.KindCommitCreated, event.KindWelcomeStaged, event.KindMemberChanged, event.KindRejoinRequested:
		return true
	default:
		return ev.GetPriority() >= event.PriorityHigh
	}
}

func (c *Cell) Attach(conn Connector) {
	c.mu.Lock()
	c.sessions[conn.GetID()] = conn
	c.mu.Unlock()
	c.touch()
}

func (c *Cell) Detach(connID uuid.UUID) bool {
	c.mu.Lock()
	delete(c.sessions, connID)
	isEmpty := len(c.sessions) == 0
	c.mu.Unlock()
	c.touch()
	return isEmpty
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return

		case ev := <-c.urgent:
			c.deliver(ev)
			c.drainTier(c.urgent, 64)

		case ev := <-c.mailbox:
			// An urgent event queued between this case firing and now must
			// still go out first.
			c.drainUrgent()
			c.deliver(ev)
			c.drainTier(c.mailbox, 64)
		}
	}
}

func (c *Cell) drainUrgent() {
	for {
		select {
		case ev := <-c.urgent:
			c.deliver(ev)
		default:
			return
		}
	}
}

// drainTier opportunistically drains up to n more events from ch once the
// loop is already awake, to smooth out bursts without paying for a trip
// through select per event.
func (c *Cell) drainTier(ch chan event.Eventer, n int) {
	for range n {
		select {
		case ev := <-ch:
			c.deliver(ev)
		default:
			return
		}
	}
}

// deliver fans ev out to every active session of the device.
func (c *Cell) deliver(ev event.Eventer) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.sessions) == 0 {
		return
	}

	for _, conn := range c.sessions {
		conn.Send(ev, time.Millisecond*250)
	}
}

func (c *Cell) Stop() {
	close(c.doneCh)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, conn := range c.sessions {
		conn.Close()
		delete(c.sessions, id)
	}
}
