package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mlsds/delivery-service/internal/domain/event"
)

// Hubber is the external API of the device registry.
type Hubber interface {
	Broadcast(ev event.Eventer) bool
	Register(conn Connector)
	Unregister(deviceID, connID uuid.UUID)
	IsConnected(deviceID uuid.UUID) bool
	Shutdown()
}

// Hub implements [Hubber] using a Virtual Cell (Actor) architecture, one
// cell per subscribing device rather than per social principal — each
// device runs its own MLS leaf and needs its own ordering/backpressure
// domain independent of a principal's other devices.
type Hub struct {
	// cells maintains an active registry of DeviceID -> Celler.
	cells sync.Map

	config hubConfig
	stopCh chan struct{}
}

type hubConfig struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
}

// NewHub initializes the registry with functional options and starts the janitor process.
func NewHub(opts ...Option) *Hub {
	// production-ready fallback values
	h := &Hub{
		config: hubConfig{
			evictionInterval: 1 * time.Minute,
			idleTimeout:      5 * time.Minute,
			mailboxSize:      1024,
		},
		stopCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	go h.runEvictor()
	return h
}

// IsConnected checks if a device cell exists in the registry.
func (h *Hub) IsConnected(deviceID uuid.UUID) bool {
	_, ok := h.cells.Load(deviceID)
	return ok
}

// Broadcast dispatches an event to its recipient device's cell mailbox.
func (h *Hub) Broadcast(ev event.Eventer) bool {
	if val, ok := h.cells.Load(ev.GetRecipientDevice()); ok {
		if cell, ok := val.(Celler); ok {
			return cell.Push(ev)
		}
	}
	return false
}

// Register attaches conn to its device's cell, creating the cell on first
// registration; attaching an already-known connection ID is a no-op.
func (h *Hub) Register(conn Connector) {
	devID := conn.GetDeviceID()
	val, _ := h.cells.LoadOrStore(devID, NewCell(devID, h.config.mailboxSize))

	if cell, ok := val.(Celler); ok {
		cell.Attach(conn)
	}
}

// Unregister removes a connection from a cell.
// Reclamation of the cell itself is handled asynchronously by the Evictor.
func (h *Hub) Unregister(deviceID, connID uuid.UUID) {
	if val, ok := h.cells.Load(deviceID); ok {
		if cell, ok := val.(Celler); ok {
			cell.Detach(connID)
		}
	}
}

func (h *Hub) runEvictor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.performEviction()
		}
	}
}

// performEviction reaps cells with no attached sessions and no recent
// activity.
func (h *Hub) performEviction() {
	reapedCount := 0
	h.cells.Range(func(key, value any) bool {
		if cell, ok := value.(Celler); ok {
			if cell.IsIdle(h.config.idleTimeout) {
				cell.Stop()
				h.cells.Delete(key)
				reapedCount++
			}
		}
		return true
	})

	if reapedCount > 0 {
		slog.Info("HUB_EVICTION", slog.Int("reaped", reapedCount))
	}
}

// Shutdown gracefully stops the hub and all managed cells.
func (h *Hub) Shutdown() {
	close(h.stopCh)
	h.cells.Range(func(key, value any) bool {
		if cell, ok := value.(Celler); ok {
			cell.Stop()
		}
		return true
	})
}
