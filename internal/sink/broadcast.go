package sink

import (
	"time"

	"slotbot/internal/eventbus"
	"slotbot/internal/wshub"
)

// HubBroadcaster feeds the WebSocket hub and mirrors each publication
// onto the event bus for anything else that cares.
type HubBroadcaster struct {
	hub *wshub.Hub
	bus eventbus.Bus
}

func NewHubBroadcaster(hub *wshub.Hub, bus eventbus.Bus) *HubBroadcaster {
	return &HubBroadcaster{hub: hub, bus: bus}
}

func (b *HubBroadcaster) PublishTruth(courseCode string, available []int, taken time.Time) {
	if available == nil {
		available = []int{}
	}
	payload := wshub.TruthPayload{
		Course:    courseCode,
		Available: available,
		Timestamp: taken.Unix(),
	}
	if b.hub != nil {
		b.hub.Publish(payload)
	}
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{Type: eventbus.EventBroadcastPublish, Data: payload})
	}
}
