package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/database"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/mqtt"
	"github.com/voltgrid/voltgrid-core/internal/meter"
)

// ErrInvalidRequest is returned when an approval request is missing
// required fields.
var ErrInvalidRequest = errors.New("approval: invalid request")

// Publisher is the broker-side surface the gateway needs for config pushes.
// Satisfied by *mqtt.Client.
type Publisher interface {
	PublishJSON(topic string, payload []byte) error
}

// Request is the operator-supplied approval command for a pending meter.
type Request struct {
	DeviceID        string  `json:"device_id"`
	Name            string  `json:"name"`
	Department      string  `json:"department"`
	Model           *string `json:"model,omitempty"`
	Building        *string `json:"building,omitempty"`
	Room            *string `json:"room,omitempty"`
	MeasurementSpec *string `json:"measurement_spec,omitempty"`
	Notes           *string `json:"notes,omitempty"`
}

// Validate checks the required fields.
func (r Request) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device_id is required", ErrInvalidRequest)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRequest)
	}
	if r.Department == "" {
		return fmt.Errorf("%w: department is required", ErrInvalidRequest)
	}
	return nil
}

// Result is the outcome of an approval command. Business failures (unknown
// device) are reported here, not as errors; errors are reserved for
// infrastructure faults.
type Result struct {
	Success         bool   `json:"success"`
	DeviceID        string `json:"device_id,omitempty"`
	AlreadyApproved bool   `json:"already_approved,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Gateway promotes pending meters to approved and pushes configuration back
// to the device through the broker.
//
// The promotion (create meter row, provision reading row, delete pending
// row) runs in a single transaction, so concurrent PROPERTY/DATA messages
// for the same device either see the full pending state or the full
// approved state, never a half-written transition.
type Gateway struct {
	db        *database.DB
	meters    meter.Repository
	pending   meter.PendingRepository
	readings  meter.ReadingRepository
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// NewGateway creates an approval gateway.
func NewGateway(
	db *database.DB,
	meters meter.Repository,
	pending meter.PendingRepository,
	readings meter.ReadingRepository,
	publisher Publisher,
	logger *logging.Logger,
) *Gateway {
	return &Gateway{
		db:        db,
		meters:    meters,
		pending:   pending,
		readings:  readings,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Approve promotes a pending meter to approved.
//
// Idempotency: approving an already-approved device succeeds and re-sends
// the configuration. A device that is neither pending nor approved (never
// seen, or reaped) is a business failure reported in the result.
func (g *Gateway) Approve(ctx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Already approved: idempotent success, just re-send config.
	existing, err := g.meters.GetByID(ctx, req.DeviceID)
	if err == nil {
		return g.resendConfig(ctx, existing)
	}
	if !errors.Is(err, meter.ErrMeterNotFound) {
		return nil, fmt.Errorf("checking approved status: %w", err)
	}

	if _, err := g.pending.Get(ctx, req.DeviceID); err != nil {
		if errors.Is(err, meter.ErrPendingNotFound) {
			return &Result{
				Success:  false,
				DeviceID: req.DeviceID,
				Reason:   "device is not pending approval (never seen or reaped)",
			}, nil
		}
		return nil, fmt.Errorf("checking pending status: %w", err)
	}

	m := g.buildMeter(req)

	if err := g.promote(ctx, m); err != nil {
		if errors.Is(err, meter.ErrMeterExists) {
			// Lost a race against a concurrent approval of the same
			// device. Treat as idempotent success.
			existing, gerr := g.meters.GetByID(ctx, req.DeviceID)
			if gerr != nil {
				return nil, fmt.Errorf("re-reading meter after approval race: %w", gerr)
			}
			return g.resendConfig(ctx, existing)
		}
		return nil, err
	}

	g.logger.Info("meter approved",
		"device_id", m.DeviceID,
		"name", m.Name,
		"department", m.Department,
	)

	// The approval is committed; a failed config push is retried on the
	// device's next property message rather than rolling back state.
	if err := g.SendConfig(ctx, m); err != nil {
		g.logger.Warn("config push after approval failed",
			"device_id", m.DeviceID,
			"error", err,
		)
	}

	return &Result{Success: true, DeviceID: m.DeviceID}, nil
}

// promote runs the atomic pending→approved transition.
func (g *Gateway) promote(ctx context.Context, m *meter.Meter) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning approval transaction: %w", err)
	}
	defer tx.Rollback()

	if err := g.meters.CreateInTx(ctx, tx, m); err != nil {
		return err
	}
	if err := g.readings.ProvisionInTx(ctx, tx, m.DeviceID); err != nil {
		return err
	}
	if err := g.pending.DeleteInTx(ctx, tx, m.DeviceID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing approval transaction: %w", err)
	}
	return nil
}

// buildMeter constructs the approved record from the request.
func (g *Gateway) buildMeter(req Request) *meter.Meter {
	now := g.now().UTC()
	return &meter.Meter{
		DeviceID:        req.DeviceID,
		Name:            req.Name,
		Model:           req.Model,
		Department:      req.Department,
		Building:        req.Building,
		Room:            req.Room,
		MeasurementSpec: req.MeasurementSpec,
		Notes:           req.Notes,
		ApprovedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// resendConfig handles the idempotent already-approved path.
func (g *Gateway) resendConfig(ctx context.Context, m *meter.Meter) (*Result, error) {
	if err := g.SendConfig(ctx, m); err != nil {
		g.logger.Warn("config re-send failed",
			"device_id", m.DeviceID,
			"error", err,
		)
	}
	return &Result{Success: true, DeviceID: m.DeviceID, AlreadyApproved: true}, nil
}

// SendConfig publishes one configuration message to the meter's config
// topic. Also invoked by the resolver when an approved device sends a
// property message.
func (g *Gateway) SendConfig(_ context.Context, m *meter.Meter) error {
	payload, err := json.Marshal(map[string]any{
		"device_id":        m.DeviceID,
		"name":             m.Name,
		"department":       m.Department,
		"measurement_spec": m.MeasurementSpec,
		"approved_at":      m.ApprovedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshalling config payload: %w", err)
	}

	topic := mqtt.Topics{}.DeviceConfig(m.Department, m.DeviceID)
	if err := g.publisher.PublishJSON(topic, payload); err != nil {
		return fmt.Errorf("publishing config to %s: %w", topic, err)
	}

	g.logger.Info("configuration pushed", "device_id", m.DeviceID, "topic", topic)
	return nil
}
