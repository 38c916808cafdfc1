package meter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Repository defines persistence operations for approved meters.
type Repository interface {
	// GetByID retrieves an approved meter by device id.
	// Returns ErrMeterNotFound if the meter does not exist.
	GetByID(ctx context.Context, deviceID string) (*Meter, error)

	// Exists reports whether a device id is in the approved set.
	Exists(ctx context.Context, deviceID string) (bool, error)

	// List retrieves all approved meters ordered by name.
	List(ctx context.Context) ([]Meter, error)

	// ListWithReadings retrieves all approved meters joined with their
	// latest readings.
	ListWithReadings(ctx context.Context) ([]MeterWithReading, error)

	// CreateInTx inserts a new approved meter within an approval
	// transaction. Returns ErrMeterExists if the device id is already
	// approved.
	CreateInTx(ctx context.Context, tx *sql.Tx, m *Meter) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed meter repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const meterColumns = `device_id, name, model, department, building, room,
		measurement_spec, notes, approved_at, created_at, updated_at`

// GetByID retrieves an approved meter by device id.
func (r *SQLiteRepository) GetByID(ctx context.Context, deviceID string) (*Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters WHERE device_id = ?`

	m, err := scanMeter(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMeterNotFound
		}
		return nil, fmt.Errorf("querying meter by id: %w", err)
	}
	return m, nil
}

// Exists reports whether a device id is in the approved set.
func (r *SQLiteRepository) Exists(ctx context.Context, deviceID string) (bool, error) {
	var one int
	err := r.db.QueryRowContext(ctx,
		`SELECT 1 FROM meters WHERE device_id = ?`, deviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking meter existence: %w", err)
	}
	return true, nil
}

// List retrieves all approved meters ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Meter, error) {
	query := `SELECT ` + meterColumns + ` FROM meters ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying meters: %w", err)
	}
	defer rows.Close()

	var meters []Meter
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning meter: %w", err)
		}
		meters = append(meters, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meters: %w", err)
	}
	return meters, nil
}

// ListWithReadings retrieves all approved meters joined with their latest
// readings. A missing reading row yields a nil Reading rather than an error
// so one inconsistent meter does not break the whole listing.
func (r *SQLiteRepository) ListWithReadings(ctx context.Context) ([]MeterWithReading, error) {
	query := `
		SELECT m.device_id, m.name, m.model, m.department, m.building, m.room,
			m.measurement_spec, m.notes, m.approved_at, m.created_at, m.updated_at,
			r.device_id, r.voltage, r.current, r.power_w, r.power_factor,
			r.frequency_hz, r.voltage_l1, r.voltage_l2, r.voltage_l3,
			r.current_l1, r.current_l2, r.current_l3, r.temperature_c,
			r.humidity_pct, r.signal_dbm, r.uptime_s, r.energy_kwh_total,
			r.energy_kwh_today, r.last_data_received, r.data_collection_count
		FROM meters m
		LEFT JOIN meter_readings r ON r.device_id = m.device_id
		ORDER BY m.name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying meters with readings: %w", err)
	}
	defer rows.Close()

	var out []MeterWithReading
	for rows.Next() {
		var (
			m          Meter
			approvedAt string
			createdAt  string
			updatedAt  string

			rd               Reading
			readingDeviceID  sql.NullString
			lastDataReceived sql.NullString
			collectionCount  sql.NullInt64
		)

		err := rows.Scan(
			&m.DeviceID, &m.Name, &m.Model, &m.Department, &m.Building, &m.Room,
			&m.MeasurementSpec, &m.Notes, &approvedAt, &createdAt, &updatedAt,
			&readingDeviceID, &rd.Voltage, &rd.Current, &rd.PowerW, &rd.PowerFactor,
			&rd.FrequencyHz, &rd.VoltageL1, &rd.VoltageL2, &rd.VoltageL3,
			&rd.CurrentL1, &rd.CurrentL2, &rd.CurrentL3, &rd.TemperatureC,
			&rd.HumidityPct, &rd.SignalDBm, &rd.UptimeS, &rd.EnergyKWhTotal,
			&rd.EnergyKWhToday, &lastDataReceived, &collectionCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning meter with reading: %w", err)
		}

		if m.ApprovedAt, err = parseTime(approvedAt); err != nil {
			return nil, fmt.Errorf("parsing approved_at: %w", err)
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		mwr := MeterWithReading{Meter: m}
		if readingDeviceID.Valid {
			rd.DeviceID = readingDeviceID.String
			rd.DataCollectionCount = collectionCount.Int64
			if lastDataReceived.Valid {
				t, err := parseTime(lastDataReceived.String)
				if err != nil {
					return nil, fmt.Errorf("parsing last_data_received: %w", err)
				}
				rd.LastDataReceived = &t
			}
			mwr.Reading = &rd
		}
		out = append(out, mwr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating meters with readings: %w", err)
	}
	return out, nil
}

// CreateInTx inserts a new approved meter within an approval transaction.
func (r *SQLiteRepository) CreateInTx(ctx context.Context, tx *sql.Tx, m *Meter) error {
	query := `
		INSERT INTO meters (` + meterColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := tx.ExecContext(ctx, query,
		m.DeviceID,
		m.Name,
		m.Model,
		m.Department,
		m.Building,
		m.Room,
		m.MeasurementSpec,
		m.Notes,
		formatTime(m.ApprovedAt),
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrMeterExists
		}
		return fmt.Errorf("creating meter: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// scanMeter scans a single meters row.
func scanMeter(s scanner) (*Meter, error) {
	var (
		m          Meter
		approvedAt string
		createdAt  string
		updatedAt  string
	)

	err := s.Scan(
		&m.DeviceID,
		&m.Name,
		&m.Model,
		&m.Department,
		&m.Building,
		&m.Room,
		&m.MeasurementSpec,
		&m.Notes,
		&approvedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if m.ApprovedAt, err = parseTime(approvedAt); err != nil {
		return nil, fmt.Errorf("parsing approved_at: %w", err)
	}
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}
