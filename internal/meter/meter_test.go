package meter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/database"
	"github.com/voltgrid/voltgrid-core/internal/infrastructure/logging"
	"github.com/voltgrid/voltgrid-core/internal/retry"

	_ "github.com/voltgrid/voltgrid-core/migrations"
)

// openTestDB opens a migrated database in a temporary directory.
func openTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return db
}

// approveTestMeter inserts an approved meter and its reading row directly,
// the way the approval gateway does.
func approveTestMeter(t *testing.T, db *database.DB, deviceID string) {
	t.Helper()

	ctx := context.Background()
	now := time.Now()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("BeginTx() error = %v", err)
	}

	meters := NewSQLiteRepository(db.DB)
	readings := NewSQLiteReadingRepository(db.DB, testRetryPolicy())

	m := &Meter{
		DeviceID:   deviceID,
		Name:       "Test Meter " + deviceID,
		Department: "plant-a",
		ApprovedAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := meters.CreateInTx(ctx, tx, m); err != nil {
		t.Fatalf("CreateInTx() error = %v", err)
	}
	if err := readings.ProvisionInTx(ctx, tx, deviceID); err != nil {
		t.Fatalf("ProvisionInTx() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func testRetryPolicy() retry.Policy {
	return retry.Policy{
		Base:           time.Millisecond,
		Cap:            10 * time.Millisecond,
		MinInterval:    time.Millisecond,
		MaxAttempts:    3,
		JitterFraction: 0.10,
	}
}

func testLogger() *logging.Logger {
	return logging.Default()
}

func strPtr(s string) *string { return &s }

func f64Ptr(f float64) *float64 { return &f }

func testPendingMeter(deviceID string, seenAt time.Time) *PendingMeter {
	return &PendingMeter{
		DeviceID:        deviceID,
		DeviceName:      strPtr("Meter " + deviceID),
		DiscoveredAt:    seenAt,
		LastSeenAt:      seenAt,
		DiscoverySource: "mqtt_property",
	}
}
