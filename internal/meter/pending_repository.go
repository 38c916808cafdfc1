package meter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PendingRepository defines persistence operations for pending meters.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type PendingRepository interface {
	// Get retrieves a pending meter by device id.
	// Returns ErrPendingNotFound if no pending row exists.
	Get(ctx context.Context, deviceID string) (*PendingMeter, error)

	// List retrieves all pending meters ordered by last sighting,
	// newest first.
	List(ctx context.Context) ([]PendingMeter, error)

	// Upsert inserts or replaces the pending row for pm.DeviceID.
	// The write is race-safe in two ways: a concurrent Upsert for the
	// same device id yields exactly one row, and a device id already in
	// the approved set is never inserted — Upsert returns
	// ErrMeterApproved so the caller can switch to the approved path.
	// discovered_at is preserved on conflict; all other fields are taken
	// from pm (callers merge in memory before writing).
	Upsert(ctx context.Context, pm *PendingMeter) error

	// Touch refreshes last_seen_at only. Used when DATA arrives for a
	// still-pending device (no telemetry is persisted before approval).
	// Returns ErrPendingNotFound if no pending row exists.
	Touch(ctx context.Context, deviceID string, seenAt time.Time) error

	// Delete removes a pending row.
	// Returns ErrPendingNotFound if no pending row exists.
	Delete(ctx context.Context, deviceID string) error

	// DeleteInTx removes a pending row within an approval transaction.
	// Missing rows are not an error: the approval gateway treats an
	// already-removed pending row as idempotent success.
	DeleteInTx(ctx context.Context, tx *sql.Tx, deviceID string) error

	// ListStale returns pending meters with last_seen_at at or before
	// cutoff, without deleting them.
	ListStale(ctx context.Context, cutoff time.Time) ([]PendingMeter, error)

	// DeleteStale removes pending meters with last_seen_at at or before
	// cutoff and returns the removed device ids.
	DeleteStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// SQLitePendingRepository implements PendingRepository using SQLite.
type SQLitePendingRepository struct {
	db *sql.DB
}

// NewSQLitePendingRepository creates a new SQLite-backed pending repository.
func NewSQLitePendingRepository(db *sql.DB) *SQLitePendingRepository {
	return &SQLitePendingRepository{db: db}
}

const pendingColumns = `device_id, device_name, device_type, ip_address, mac_address,
		firmware_version, connection_type, last_payload, discovered_at,
		last_seen_at, discovery_source`

// Get retrieves a pending meter by device id.
func (r *SQLitePendingRepository) Get(ctx context.Context, deviceID string) (*PendingMeter, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_meters WHERE device_id = ?`

	pm, err := scanPendingMeter(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("querying pending meter: %w", err)
	}
	return pm, nil
}

// List retrieves all pending meters, newest sighting first.
func (r *SQLitePendingRepository) List(ctx context.Context) ([]PendingMeter, error) {
	query := `SELECT ` + pendingColumns + ` FROM pending_meters ORDER BY last_seen_at DESC`
	return r.queryPendingMeters(ctx, query)
}

// Upsert inserts or replaces the pending row for pm.DeviceID.
//
// The guarding SELECT refuses the insert when the device id already exists
// in the approved set, and the conflict clause makes concurrent upserts for
// the same device id converge on a single row.
func (r *SQLitePendingRepository) Upsert(ctx context.Context, pm *PendingMeter) error {
	query := `
		INSERT INTO pending_meters (` + pendingColumns + `)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM meters WHERE device_id = ?)
		ON CONFLICT(device_id) DO UPDATE SET
			device_name      = excluded.device_name,
			device_type      = excluded.device_type,
			ip_address       = excluded.ip_address,
			mac_address      = excluded.mac_address,
			firmware_version = excluded.firmware_version,
			connection_type  = excluded.connection_type,
			last_payload     = excluded.last_payload,
			last_seen_at     = excluded.last_seen_at,
			discovery_source = excluded.discovery_source`

	result, err := r.db.ExecContext(ctx, query,
		pm.DeviceID,
		pm.DeviceName,
		pm.DeviceType,
		pm.IPAddress,
		pm.MACAddress,
		pm.FirmwareVersion,
		pm.ConnectionType,
		pm.LastPayload,
		formatTime(pm.DiscoveredAt),
		formatTime(pm.LastSeenAt),
		pm.DiscoverySource,
		pm.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("upserting pending meter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking upsert result: %w", err)
	}
	if rows == 0 {
		// The guard refused the write: the device was approved
		// between the caller's status check and this insert.
		return ErrMeterApproved
	}
	return nil
}

// Touch refreshes last_seen_at for a pending meter.
func (r *SQLitePendingRepository) Touch(ctx context.Context, deviceID string, seenAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pending_meters SET last_seen_at = ? WHERE device_id = ?`,
		formatTime(seenAt), deviceID,
	)
	if err != nil {
		return fmt.Errorf("touching pending meter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking touch result: %w", err)
	}
	if rows == 0 {
		return ErrPendingNotFound
	}
	return nil
}

// Delete removes a pending meter.
func (r *SQLitePendingRepository) Delete(ctx context.Context, deviceID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM pending_meters WHERE device_id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("deleting pending meter: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if rows == 0 {
		return ErrPendingNotFound
	}
	return nil
}

// DeleteInTx removes a pending meter within an existing transaction.
func (r *SQLitePendingRepository) DeleteInTx(ctx context.Context, tx *sql.Tx, deviceID string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_meters WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("deleting pending meter in tx: %w", err)
	}
	return nil
}

// ListStale returns pending meters last seen at or before cutoff.
func (r *SQLitePendingRepository) ListStale(ctx context.Context, cutoff time.Time) ([]PendingMeter, error) {
	query := `SELECT ` + pendingColumns + `
		FROM pending_meters
		WHERE last_seen_at <= ?
		ORDER BY last_seen_at`
	return r.queryPendingMeters(ctx, query, formatTime(cutoff))
}

// DeleteStale removes pending meters last seen at or before cutoff and
// returns the removed device ids. Select and delete run in one transaction
// so the returned ids match exactly what was removed.
func (r *SQLitePendingRepository) DeleteStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning stale sweep: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT device_id FROM pending_meters WHERE last_seen_at <= ?`,
		formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("selecting stale pending meters: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning stale device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterating stale pending meters: %w", err)
	}
	rows.Close()

	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_meters WHERE last_seen_at <= ?`,
		formatTime(cutoff)); err != nil {
		return nil, fmt.Errorf("deleting stale pending meters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing stale sweep: %w", err)
	}
	return ids, nil
}

// queryPendingMeters executes a query and scans all resulting rows.
func (r *SQLitePendingRepository) queryPendingMeters(ctx context.Context, query string, args ...any) ([]PendingMeter, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending meters: %w", err)
	}
	defer rows.Close()

	var meters []PendingMeter
	for rows.Next() {
		pm, err := scanPendingMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning pending meter: %w", err)
		}
		meters = append(meters, *pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pending meters: %w", err)
	}
	return meters, nil
}

// scanner abstracts sql.Row and sql.Rows for shared scanning code.
type scanner interface {
	Scan(dest ...any) error
}

// scanPendingMeter scans a single pending_meters row.
func scanPendingMeter(s scanner) (*PendingMeter, error) {
	var (
		pm           PendingMeter
		discoveredAt string
		lastSeenAt   string
	)

	err := s.Scan(
		&pm.DeviceID,
		&pm.DeviceName,
		&pm.DeviceType,
		&pm.IPAddress,
		&pm.MACAddress,
		&pm.FirmwareVersion,
		&pm.ConnectionType,
		&pm.LastPayload,
		&discoveredAt,
		&lastSeenAt,
		&pm.DiscoverySource,
	)
	if err != nil {
		return nil, err
	}

	if pm.DiscoveredAt, err = parseTime(discoveredAt); err != nil {
		return nil, fmt.Errorf("parsing discovered_at: %w", err)
	}
	if pm.LastSeenAt, err = parseTime(lastSeenAt); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	return &pm, nil
}
