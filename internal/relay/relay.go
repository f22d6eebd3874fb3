// Package relay mirrors task change events from the in-process bus to an
// external message broker.
package relay

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/celerix-dev/celerix-tasks/internal/pubsub"
	"github.com/celerix-dev/celerix-tasks/pkg/schema"
)

const publishTimeout = 5 * time.Second

// Publisher sends one JSON message under a routing key.
type Publisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// Relay forwards every ChangeEvent to a Publisher with routing key
// "task.<action>". Broker failures are logged and the event is dropped.
type Relay struct {
	bus    *pubsub.Bus[schema.ChangeEvent]
	pub    Publisher
	logger *slog.Logger
}

// New returns a Relay. A nil logger discards output.
func New(bus *pubsub.Bus[schema.ChangeEvent], pub Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{bus: bus, pub: pub, logger: logger}
}

// RoutingKey returns the broker routing key for ev.
func RoutingKey(ev schema.ChangeEvent) string {
	return "task." + ev.Action
}

// Run subscribes to the bus and forwards events until ctx is done or the
// bus is closed.
func (r *Relay) Run(ctx context.Context) {
	sub := r.bus.Subscribe(ctx, schema.TopicTaskUpdated)
	defer sub.Cancel()

	r.logger.Info("event relay started")
	for ev := range sub.C() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		err := r.pub.PublishJSON(pubCtx, RoutingKey(ev), ev)
		cancel()
		if err != nil {
			r.logger.Error("relay publish failed", "task_id", ev.Task.ID, "action", ev.Action, "error", err)
			continue
		}
		r.logger.Debug("event relayed", "task_id", ev.Task.ID, "action", ev.Action)
	}
	r.logger.Info("event relay stopped")
}
