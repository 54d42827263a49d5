package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mlsds/delivery-service/internal/domain/event"
)

var _ Connector = (*connect)(nil)

// Connector is one transport session (a gRPC stream, a websocket, a
// long-poll connection) attached to a device's Cell.
type Connector interface {
	GetID() uuid.UUID
	GetDeviceID() uuid.UUID
	Send(ev event.Eventer, timeout time.Duration) bool
	Recv() <-chan event.Eventer
	Close()
}

// ConnectMetadata is session provenance surfaced to transport/admin layers;
// not currently populated by any handler but shaped for when one is.
type ConnectMetadata struct {
	Platform  string
	Version   string
	RemoteIP  string
	UserAgent string
}

// connect is the concrete Connector, unexported to force callers through
// the interface (and so the sync.Pool below can recycle instances freely).
type connect struct {
	id             uuid.UUID
	deviceID       uuid.UUID
	metadata       ConnectMetadata
	createdAt      time.Time
	ctx            context.Context
	cancelFn       context.CancelFunc
	sendCh         chan event.Eventer
	closeOnce      sync.Once
	lastActivityAt int64
	droppedCount   uint64
}

var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

func NewConnector(ctx context.Context, deviceID uuid.UUID, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, deviceID, bufferSize)
	return c
}

// reset re-initializes a (possibly recycled) connect via a struct literal,
// the cleanest way to wipe stale state — including the sync.Once guard —
// left over from a previous session that used this pooled object.
func (c *connect) reset(ctx context.Context, deviceID uuid.UUID, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)

	*c = connect{
		id:             uuid.New(),
		deviceID:       deviceID,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan event.Eventer, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

func (c *connect) GetID() uuid.UUID       { return c.id }
func (c *connect) GetDeviceID() uuid.UUID { return c.deviceID }

// Send enqueues ev with a bounded wait, then falls back to backpressure
// handling if the session's buffer is still full once the wait expires.
func (c *connect) Send(ev event.Eventer, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	case <-c.ctx.Done():
		// session already torn down
		return false

	case c.sendCh <- ev:
		return true

	case <-ctx.Done():
		return c.handleBackpressure(ev, timeout)
	}
}

// handleBackpressure is reached once a session's buffer has stayed full
// for the whole send timeout. An epoch-critical event (commit, Welcome,
// membership change, rejoin request) is worth evicting something else to
// deliver — missing one means the client's MLS group view is stale until
// its next replay — so only a non-urgent incoming event is dropped
// outright; an urgent one tries to evict the oldest buffered event first.
func (c *connect) handleBackpressure(ev event.Eventer, timeout time.Duration) bool {
	if !isUrgent(ev) {
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}

	select {
	case oldEv := <-c.sendCh:
		if isUrgent(oldEv) {
			// both are urgent; put the old one back and drop the new
			// arrival instead of silently discarding an equally critical
			// event we already committed to deliver.
			select {
			case c.sendCh <- oldEv:
			default:
			}
			atomic.AddUint64(&c.droppedCount, 1)
			return false
		}
		c.sendCh <- ev
		return true
	case <-time.After(timeout):
	}

	atomic.AddUint64(&c.droppedCount, 1)
	return false
}

func (c *connect) Recv() <-chan event.Eventer { return c.sendCh }

// Close tears the session down exactly once — guarding against concurrent
// callers from the Hub (shutdown), the Cell (eviction), and the transport
// handler (its own defer) — then recycles the connect into the pool.
func (c *connect) Close() {
	c.closeOnce.Do(func() {
		c.cancelFn()

		if c.sendCh != nil {
			close(c.sendCh)
		}

		c.sendCh = nil
		c.metadata = ConnectMetadata{}

		connectPool.Put(c)
	})
}
