// Package sink delivers metric events to downstream consumers. The driver
// drains the outbound channel and republishes each event to every
// configured sink; sinks must never block the drain loop.
package sink

import (
	"sort"
	"sync"

	"github.com/zeromonitor/zeromonitor/internal/models"
)

// Sink consumes metric events in arrival order. Publish must return
// promptly; slow destinations buffer or drop internally.
type Sink interface {
	Name() string
	Publish(event models.MetricEvent)
}

// SnapshotCache keeps the latest event per node. Each event overwrites the
// prior snapshot for that node; a removed node's last snapshot remains
// until restart, which lets a reader tell "node is down" (recent failure
// events) from "node was removed" (no new events at all).
type SnapshotCache struct {
	mu     sync.RWMutex
	latest map[string]models.MetricEvent
}

// NewSnapshotCache creates an empty cache.
func NewSnapshotCache() *SnapshotCache {
	return &SnapshotCache{latest: make(map[string]models.MetricEvent)}
}

func (c *SnapshotCache) Name() string {
	return "snapshot-cache"
}

// Publish stores the event as the node's latest known state.
func (c *SnapshotCache) Publish(event models.MetricEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latest[event.Node] = event
}

// Latest returns the most recent event for one node.
func (c *SnapshotCache) Latest(node string) (models.MetricEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	event, ok := c.latest[node]
	return event, ok
}

// All returns the latest event of every known node, ordered by node name.
func (c *SnapshotCache) All() []models.MetricEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()

	events := make([]models.MetricEvent, 0, len(c.latest))
	for _, event := range c.latest {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Node < events[j].Node
	})
	return events
}
