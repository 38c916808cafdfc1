package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
)

// ConfigSender pushes a configuration message to an approved meter.
// Implemented by the approval gateway, which owns the config payload shape
// and the broker publish.
type ConfigSender interface {
	SendConfig(ctx context.Context, m *Meter) error
}

// Action describes what the resolver did with a message, for logging and
// broadcast event synthesis.
type Action int

const (
	// ActionNone: the message required no state change.
	ActionNone Action = iota

	// ActionPendingCreated: first sighting, a pending row was inserted.
	ActionPendingCreated

	// ActionPendingRefreshed: pending metadata and last_seen_at updated.
	ActionPendingRefreshed

	// ActionSeenRefreshed: pending last_seen_at touched (DATA before
	// approval; no telemetry persisted).
	ActionSeenRefreshed

	// ActionReadingUpdated: telemetry merged into the latest reading.
	ActionReadingUpdated

	// ActionConfigPush: the device is approved, configuration was
	// (re)sent.
	ActionConfigPush

	// ActionDetected: DATA from an unseen device; no pending row is
	// created but the sighting is surfaced as a notification event.
	ActionDetected

	// ActionInconsistency: an invariant violation was detected and
	// logged (reading row missing for an approved meter).
	ActionInconsistency
)

// String returns the action name for logging and broadcast events.
func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionPendingCreated:
		return "pending_created"
	case ActionPendingRefreshed:
		return "pending_refreshed"
	case ActionSeenRefreshed:
		return "seen_refreshed"
	case ActionReadingUpdated:
		return "reading_updated"
	case ActionConfigPush:
		return "config_push"
	case ActionDetected:
		return "meter_detected"
	case ActionInconsistency:
		return "inconsistency"
	default:
		return "unknown"
	}
}

// Outcome reports what the resolver did with a message.
type Outcome struct {
	Action   Action
	DeviceID string
}

// DiscoverySource value recorded on pending rows seeded from broker
// property messages.
const discoverySourceMQTT = "mqtt_property"

// Resolver is the device state machine. For each classified message it
// determines whether the device is unseen, pending or approved and performs
// the corresponding transition.
//
// Approval status is re-checked immediately before every pending write, and
// the pending upsert itself refuses to insert a device id that is already
// approved, so a device approved while messages are in flight falls back to
// the configuration-push path instead of violating the pending/approved
// exclusivity invariant.
type Resolver struct {
	pending  PendingRepository
	meters   Repository
	readings ReadingRepository
	config   ConfigSender
	logger   *logging.Logger
	now      func() time.Time
}

// NewResolver creates a resolver over the given repositories.
func NewResolver(
	pending PendingRepository,
	meters Repository,
	readings ReadingRepository,
	config ConfigSender,
	logger *logging.Logger,
) *Resolver {
	return &Resolver{
		pending:  pending,
		meters:   meters,
		readings: readings,
		config:   config,
		logger:   logger,
		now:      time.Now,
	}
}

// Status resolves the current state of a device id. The approved set is
// checked first: if a device id somehow existed in both sets, approved wins.
func (r *Resolver) Status(ctx context.Context, deviceID string) (MeterStatus, error) {
	m, err := r.meters.GetByID(ctx, deviceID)
	if err == nil {
		return MeterStatus{State: StateApproved, Meter: m}, nil
	}
	if !errors.Is(err, ErrMeterNotFound) {
		return MeterStatus{}, fmt.Errorf("resolving meter status: %w", err)
	}

	pm, err := r.pending.Get(ctx, deviceID)
	if err == nil {
		return MeterStatus{State: StatePending, Pending: pm}, nil
	}
	if !errors.Is(err, ErrPendingNotFound) {
		return MeterStatus{}, fmt.Errorf("resolving pending status: %w", err)
	}

	return MeterStatus{State: StateUnseen}, nil
}

// Resolve dispatches a classified message through the state machine.
//
// Errors returned here are transport or invariant failures that the caller
// logs; they never abort the ingestion stream.
func (r *Resolver) Resolve(ctx context.Context, msg InboundMessage) (Outcome, error) {
	status, err := r.Status(ctx, msg.DeviceID)
	if err != nil {
		return Outcome{DeviceID: msg.DeviceID}, err
	}

	switch msg.Kind {
	case KindProperty:
		return r.resolveProperty(ctx, msg, status)
	case KindData:
		return r.resolveData(ctx, msg, status)
	default:
		return Outcome{Action: ActionNone, DeviceID: msg.DeviceID}, nil
	}
}

// resolveProperty handles a PROPERTY message for each device state.
func (r *Resolver) resolveProperty(ctx context.Context, msg InboundMessage, status MeterStatus) (Outcome, error) {
	switch status.State {
	case StateApproved:
		// Approved meters are never written back to pending storage;
		// a property sighting just re-triggers the config push.
		return r.pushConfig(ctx, status.Meter)

	case StatePending:
		update := ParsePropertyUpdate(msg.Payload)
		pm := status.Pending
		pm.ApplyProperty(update, msg.Raw, msg.ReceivedAt)

		if err := r.pending.Upsert(ctx, pm); err != nil {
			if errors.Is(err, ErrMeterApproved) {
				return r.fallbackToApproved(ctx, msg.DeviceID)
			}
			return Outcome{DeviceID: msg.DeviceID}, err
		}
		return Outcome{Action: ActionPendingRefreshed, DeviceID: msg.DeviceID}, nil

	case StateUnseen:
		update := ParsePropertyUpdate(msg.Payload)
		pm := &PendingMeter{
			DeviceID:        msg.DeviceID,
			DiscoveredAt:    msg.ReceivedAt,
			DiscoverySource: discoverySourceMQTT,
		}
		pm.ApplyProperty(update, msg.Raw, msg.ReceivedAt)

		if err := r.pending.Upsert(ctx, pm); err != nil {
			if errors.Is(err, ErrMeterApproved) {
				// Lost the race against a concurrent approval.
				return r.fallbackToApproved(ctx, msg.DeviceID)
			}
			return Outcome{DeviceID: msg.DeviceID}, err
		}

		r.logger.Info("new meter discovered",
			"device_id", msg.DeviceID,
			"source", discoverySourceMQTT,
		)
		return Outcome{Action: ActionPendingCreated, DeviceID: msg.DeviceID}, nil

	default:
		return Outcome{DeviceID: msg.DeviceID}, fmt.Errorf("unhandled meter state %v", status.State)
	}
}

// resolveData handles a DATA message for each device state.
func (r *Resolver) resolveData(ctx context.Context, msg InboundMessage, status MeterStatus) (Outcome, error) {
	switch status.State {
	case StateApproved:
		update := ParseReadingUpdate(msg.Payload)
		err := r.readings.Apply(ctx, msg.DeviceID, update, r.now())
		if errors.Is(err, ErrReadingMissing) {
			// Approval without reading-row provisioning. Surface for
			// operational alerting, do not retry.
			r.logger.Error("reading row missing for approved meter",
				"device_id", msg.DeviceID,
			)
			return Outcome{Action: ActionInconsistency, DeviceID: msg.DeviceID}, nil
		}
		if err != nil {
			return Outcome{DeviceID: msg.DeviceID}, err
		}
		return Outcome{Action: ActionReadingUpdated, DeviceID: msg.DeviceID}, nil

	case StatePending:
		// No telemetry before approval; only the sighting is recorded.
		err := r.pending.Touch(ctx, msg.DeviceID, msg.ReceivedAt)
		if errors.Is(err, ErrPendingNotFound) {
			// Reaped (or approved) between status check and touch.
			return Outcome{Action: ActionNone, DeviceID: msg.DeviceID}, nil
		}
		if err != nil {
			return Outcome{DeviceID: msg.DeviceID}, err
		}
		return Outcome{Action: ActionSeenRefreshed, DeviceID: msg.DeviceID}, nil

	case StateUnseen:
		// Only PROPERTY messages seed a pending row. A telemetry-only
		// device is surfaced as a detection event so it is not
		// invisible to operators.
		r.logger.Warn("telemetry from unseen meter",
			"device_id", msg.DeviceID,
			"department", msg.Department,
		)
		return Outcome{Action: ActionDetected, DeviceID: msg.DeviceID}, nil

	default:
		return Outcome{DeviceID: msg.DeviceID}, fmt.Errorf("unhandled meter state %v", status.State)
	}
}

// fallbackToApproved re-reads the approved row after a lost insert race and
// switches to the configuration-push path.
func (r *Resolver) fallbackToApproved(ctx context.Context, deviceID string) (Outcome, error) {
	m, err := r.meters.GetByID(ctx, deviceID)
	if err != nil {
		return Outcome{DeviceID: deviceID}, fmt.Errorf("re-reading meter after approval race: %w", err)
	}
	return r.pushConfig(ctx, m)
}

// pushConfig sends configuration to an approved meter.
func (r *Resolver) pushConfig(ctx context.Context, m *Meter) (Outcome, error) {
	if err := r.config.SendConfig(ctx, m); err != nil {
		return Outcome{Action: ActionConfigPush, DeviceID: m.DeviceID},
			fmt.Errorf("sending config to %s: %w", m.DeviceID, err)
	}
	return Outcome{Action: ActionConfigPush, DeviceID: m.DeviceID}, nil
}
