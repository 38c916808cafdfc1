package meter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/voltgrid/voltgrid-core/internal/retry"
)

// ReadingRepository defines persistence operations for latest readings.
type ReadingRepository interface {
	// Get retrieves the latest reading for a device.
	// Returns ErrReadingMissing if no reading row exists.
	Get(ctx context.Context, deviceID string) (*Reading, error)

	// Apply performs a coalescing update: the stored reading is loaded,
	// merged with the update in memory, and written back in a single
	// UPDATE. Returns ErrReadingMissing when no reading row exists for
	// the device — an invariant violation the caller must surface.
	Apply(ctx context.Context, deviceID string, u ReadingUpdate, now time.Time) error

	// ProvisionInTx creates the empty reading row for a newly approved
	// meter within the approval transaction.
	ProvisionInTx(ctx context.Context, tx *sql.Tx, deviceID string) error
}

// SQLiteReadingRepository implements ReadingRepository using SQLite.
//
// Writes retry on transient SQLITE_BUSY/SQLITE_LOCKED errors under the
// configured bounded-backoff policy. Missing-row and constraint errors are
// never retried.
type SQLiteReadingRepository struct {
	db     *sql.DB
	policy retry.Policy
}

// NewSQLiteReadingRepository creates a new SQLite-backed reading repository.
func NewSQLiteReadingRepository(db *sql.DB, policy retry.Policy) *SQLiteReadingRepository {
	return &SQLiteReadingRepository{db: db, policy: policy}
}

const readingColumns = `device_id, voltage, current, power_w, power_factor,
		frequency_hz, voltage_l1, voltage_l2, voltage_l3, current_l1,
		current_l2, current_l3, temperature_c, humidity_pct, signal_dbm,
		uptime_s, energy_kwh_total, energy_kwh_today, last_data_received,
		data_collection_count`

// Get retrieves the latest reading for a device.
func (r *SQLiteReadingRepository) Get(ctx context.Context, deviceID string) (*Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM meter_readings WHERE device_id = ?`

	rd, err := scanReading(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrReadingMissing
		}
		return nil, fmt.Errorf("querying reading: %w", err)
	}
	return rd, nil
}

// Apply performs a coalescing update of the latest reading.
func (r *SQLiteReadingRepository) Apply(ctx context.Context, deviceID string, u ReadingUpdate, now time.Time) error {
	retrier := r.policy.NewRetrier()

	for {
		err := r.applyOnce(ctx, deviceID, u, now)
		if err == nil || !isTransient(err) {
			return err
		}

		delay, rerr := retrier.Next()
		if rerr != nil {
			return fmt.Errorf("applying reading update for %s: %w (%w)", deviceID, err, rerr)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("applying reading update for %s: %w", deviceID, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// applyOnce performs one load-merge-write cycle.
func (r *SQLiteReadingRepository) applyOnce(ctx context.Context, deviceID string, u ReadingUpdate, now time.Time) error {
	rd, err := r.Get(ctx, deviceID)
	if err != nil {
		return err
	}

	rd.Merge(u, now)

	query := `
		UPDATE meter_readings SET
			voltage = ?, current = ?, power_w = ?, power_factor = ?,
			frequency_hz = ?, voltage_l1 = ?, voltage_l2 = ?, voltage_l3 = ?,
			current_l1 = ?, current_l2 = ?, current_l3 = ?, temperature_c = ?,
			humidity_pct = ?, signal_dbm = ?, uptime_s = ?,
			energy_kwh_total = ?, energy_kwh_today = ?,
			last_data_received = ?, data_collection_count = ?
		WHERE device_id = ?`

	result, err := r.db.ExecContext(ctx, query,
		rd.Voltage, rd.Current, rd.PowerW, rd.PowerFactor,
		rd.FrequencyHz, rd.VoltageL1, rd.VoltageL2, rd.VoltageL3,
		rd.CurrentL1, rd.CurrentL2, rd.CurrentL3, rd.TemperatureC,
		rd.HumidityPct, rd.SignalDBm, rd.UptimeS,
		rd.EnergyKWhTotal, rd.EnergyKWhToday,
		formatTime(*rd.LastDataReceived), rd.DataCollectionCount,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("updating reading: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking reading update result: %w", err)
	}
	if rows == 0 {
		// Row vanished between load and write.
		return ErrReadingMissing
	}
	return nil
}

// ProvisionInTx creates the empty reading row for a newly approved meter.
func (r *SQLiteReadingRepository) ProvisionInTx(ctx context.Context, tx *sql.Tx, deviceID string) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meter_readings (device_id) VALUES (?)`, deviceID); err != nil {
		return fmt.Errorf("provisioning reading row: %w", err)
	}
	return nil
}

// isTransient reports whether err is a retryable SQLite contention error.
func isTransient(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// scanReading scans a single meter_readings row.
func scanReading(s scanner) (*Reading, error) {
	var (
		rd               Reading
		lastDataReceived sql.NullString
	)

	err := s.Scan(
		&rd.DeviceID,
		&rd.Voltage,
		&rd.Current,
		&rd.PowerW,
		&rd.PowerFactor,
		&rd.FrequencyHz,
		&rd.VoltageL1,
		&rd.VoltageL2,
		&rd.VoltageL3,
		&rd.CurrentL1,
		&rd.CurrentL2,
		&rd.CurrentL3,
		&rd.TemperatureC,
		&rd.HumidityPct,
		&rd.SignalDBm,
		&rd.UptimeS,
		&rd.EnergyKWhTotal,
		&rd.EnergyKWhToday,
		&lastDataReceived,
		&rd.DataCollectionCount,
	)
	if err != nil {
		return nil, err
	}

	if lastDataReceived.Valid {
		t, err := parseTime(lastDataReceived.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_data_received: %w", err)
		}
		rd.LastDataReceived = &t
	}
	return &rd, nil
}
