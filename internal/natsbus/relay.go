package natsbus

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/jarvis/internal/events"
)

// Relay forwards bus events to NATS, one subject per agent.
type Relay struct {
	client *Client
}

func NewRelay(client *Client) *Relay {
	return &Relay{client: client}
}

// Handle is an eventbus.Handler.
func (r *Relay) Handle(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("encode event for relay failed", "run", ev.RunID, "error", err)
		return
	}
	if err := r.client.Publish(TopicEventsAgent(ev.AgentName), data); err != nil {
		slog.Warn("relay event failed", "agent", ev.AgentName, "error", err)
	}
}

// SubscribeEvents delivers every relayed event, with the agent name taken
// from the subject.
func (c *Client) SubscribeEvents(handler func(agent string, data []byte)) (*nats.Subscription, error) {
	return c.Subscribe(TopicEventsAgentsWild, func(msg *nats.Msg) {
		handler(strings.TrimPrefix(msg.Subject, "events.agent."), msg.Data)
	})
}
