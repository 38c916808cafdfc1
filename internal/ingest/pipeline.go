package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/mqtt"
	"github.com/voltgrid/voltgrid-core/internal/meter"
)

// detectedTopic is the synthetic broadcast topic for telemetry sightings of
// unseen devices (no pending row is created for them).
const detectedTopic = "voltgrid/system/meter-detected"

// Subscriber is the broker-side surface the pipeline needs.
// Satisfied by *mqtt.Client.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Resolver drives device state transitions for classified messages.
// Satisfied by *meter.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, msg meter.InboundMessage) (meter.Outcome, error)
}

// Broadcaster fans events out to live subscriber connections.
// Satisfied by *api.Hub.
type Broadcaster interface {
	Broadcast(topic string, payload []byte)
}

// Stats is a snapshot of pipeline counters for the stats endpoint.
type Stats struct {
	Received      uint64 `json:"received"`
	Property      uint64 `json:"property"`
	Data          uint64 `json:"data"`
	Passthrough   uint64 `json:"passthrough"`
	Discarded     uint64 `json:"discarded"`
	ResolveErrors uint64 `json:"resolve_errors"`
}

// Pipeline is the ingestion stream: it subscribes to the fixed device topic
// filters, classifies every inbound message, fans it out to broadcast
// subscribers and hands property/data messages to the resolver.
//
// Failures are contained per message: classification failures discard with a
// warning, resolver errors are logged and counted, and neither ever stops
// the stream.
type Pipeline struct {
	client   Subscriber
	resolver Resolver
	hub      Broadcaster
	logger   *logging.Logger
	qos      byte

	received      atomic.Uint64
	property      atomic.Uint64
	data          atomic.Uint64
	passthrough   atomic.Uint64
	discarded     atomic.Uint64
	resolveErrors atomic.Uint64

	// ctx bounds resolver I/O started by inbound messages; set by Start.
	ctx context.Context
}

// NewPipeline creates a pipeline over the given broker client, resolver and
// broadcast hub.
func NewPipeline(client Subscriber, resolver Resolver, hub Broadcaster, qos byte, logger *logging.Logger) *Pipeline {
	return &Pipeline{
		client:   client,
		resolver: resolver,
		hub:      hub,
		logger:   logger,
		qos:      qos,
	}
}

// Start subscribes to the ingest topic filters. Subscriptions are tracked by
// the broker client and re-established on every reconnect, so Start succeeds
// even while the initial broker connection is still being retried.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctx = ctx

	for _, filter := range (mqtt.Topics{}).IngestFilters() {
		if err := p.client.Subscribe(filter, p.qos, p.handleMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", filter, err)
		}
	}

	p.logger.Info("ingestion pipeline started", "qos", p.qos)
	return nil
}

// handleMessage processes one inbound broker message.
func (p *Pipeline) handleMessage(topic string, payload []byte) error {
	p.received.Add(1)

	msg, err := Classify(RawMessage{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		// Malformed or unidentifiable: drop, never retry.
		p.discarded.Add(1)
		return err
	}

	// Every classified message reaches the fan-out hub, including alert
	// and status passthrough.
	p.hub.Broadcast(msg.Topic, msg.Raw)

	switch msg.Kind {
	case KindProperty:
		p.property.Add(1)
		p.resolve(msg, meter.KindProperty)
	case KindData:
		p.data.Add(1)
		p.resolve(msg, meter.KindData)
	case KindPassthrough:
		p.passthrough.Add(1)
	}

	return nil
}

// resolve hands a message to the device state machine and synthesizes the
// detection event for telemetry from unseen devices.
func (p *Pipeline) resolve(msg ClassifiedMessage, kind meter.MessageKind) {
	outcome, err := p.resolver.Resolve(p.ctx, meter.InboundMessage{
		DeviceID:   msg.DeviceID,
		Department: msg.Department,
		Kind:       kind,
		Payload:    msg.Payload,
		Raw:        msg.Raw,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		p.resolveErrors.Add(1)
		p.logger.Warn("message resolution failed",
			"device_id", msg.DeviceID,
			"kind", kind.String(),
			"error", err,
		)
		return
	}

	if outcome.Action == meter.ActionDetected {
		event, err := json.Marshal(map[string]any{
			"device_id":   outcome.DeviceID,
			"department":  msg.Department,
			"detected_at": msg.ReceivedAt,
		})
		if err != nil {
			return
		}
		p.hub.Broadcast(detectedTopic, event)
	}
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:      p.received.Load(),
		Property:      p.property.Load(),
		Data:          p.data.Load(),
		Passthrough:   p.passthrough.Load(),
		Discarded:     p.discarded.Load(),
		ResolveErrors: p.resolveErrors.Load(),
	}
}
