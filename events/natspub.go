package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of the event subject hierarchy; the full subject
// is <prefix>.<application>.<type>.
const SubjectPrefix = "conveyor.events"

// NATSPublisher publishes events to core NATS subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewNATSPublisher returns a publisher over the given connection.
func NewNATSPublisher(nc *nats.Conn, logger *slog.Logger) *NATSPublisher {
	return &NATSPublisher{nc: nc, logger: logger}
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("marshal event failed", "type", e.Type, "error", err)
		return
	}
	subject := fmt.Sprintf("%s.%s.%s", SubjectPrefix, e.Application, e.Type)
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("publish event failed",
			"subject", subject,
			"execution_id", e.ExecutionID,
			"error", err)
	}
}
