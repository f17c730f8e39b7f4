package services

import (
	"context"

	"github.com/reelforge/reelforge-backend/internal/domain"
	"github.com/reelforge/reelforge-backend/internal/platform/logger"
	"github.com/reelforge/reelforge-backend/internal/realtime"
	"github.com/reelforge/reelforge-backend/internal/realtime/bus"
)

// RunNotifier is the narrow notification-channel interface: human-readable
// gate prompts plus run lifecycle events. Deliveries are best-effort; a
// notification failure never affects workflow state.
type RunNotifier interface {
	RunProgress(run *domain.Run, stage, msg string)
	GatePrompt(run *domain.Run, gate, prompt string)
	RunFailed(run *domain.Run, msg string)
	RunFinished(run *domain.Run, publishedURL string)
}

type hubNotifier struct {
	hub *realtime.Hub
	bus bus.Bus
	log *logger.Logger
}

// NewHubNotifier fans events out to local SSE clients and, when a bus is
// configured, to every other process via redis pub/sub.
func NewHubNotifier(hub *realtime.Hub, eventBus bus.Bus, log *logger.Logger) RunNotifier {
	return &hubNotifier{
		hub: hub,
		bus: eventBus,
		log: log.With("service", "RunNotifier"),
	}
}

func (n *hubNotifier) publish(msg realtime.Message) {
	n.hub.Broadcast(msg)
	if n.bus != nil {
		if err := n.bus.Publish(context.Background(), msg); err != nil {
			n.log.Warn("Event bus publish failed", "channel", msg.Channel, "error", err)
		}
	}
}

func (n *hubNotifier) RunProgress(run *domain.Run, stage, msg string) {
	if run == nil {
		return
	}
	n.publish(realtime.Message{
		Channel: run.ID.String(),
		Event:   realtime.EventRunProgress,
		Data:    map[string]any{"stage": stage, "message": msg, "status": run.Status},
	})
}

func (n *hubNotifier) GatePrompt(run *domain.Run, gate, prompt string) {
	if run == nil {
		return
	}
	data := map[string]any{"gate": gate, "prompt": prompt, "run_id": run.ID.String()}
	n.publish(realtime.Message{Channel: run.ID.String(), Event: realtime.EventGatePrompt, Data: data})
	if run.ChannelID != "" {
		n.publish(realtime.Message{Channel: run.ChannelID, Event: realtime.EventGatePrompt, Data: data})
	}
}

func (n *hubNotifier) RunFailed(run *domain.Run, msg string) {
	if run == nil {
		return
	}
	n.publish(realtime.Message{
		Channel: run.ID.String(),
		Event:   realtime.EventRunFailed,
		Data:    map[string]any{"error": msg},
	})
}

func (n *hubNotifier) RunFinished(run *domain.Run, publishedURL string) {
	if run == nil {
		return
	}
	n.publish(realtime.Message{
		Channel: run.ID.String(),
		Event:   realtime.EventRunFinished,
		Data:    map[string]any{"published_url": publishedURL, "status": run.Status},
	})
}

// NopNotifier for tests.
type NopNotifier struct{}

func (NopNotifier) RunProgress(*domain.Run, string, string) {}
func (NopNotifier) GatePrompt(*domain.Run, string, string)  {}
func (NopNotifier) RunFailed(*domain.Run, string)           {}
func (NopNotifier) RunFinished(*domain.Run, string)         {}
