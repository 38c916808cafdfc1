package meter

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReadingApply_CoalescesAcrossMessages(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteReadingRepository(db.DB, testRetryPolicy())
	ctx := context.Background()

	approveTestMeter(t, db, "DEV_001")

	if err := repo.Apply(ctx, "DEV_001", ReadingUpdate{Voltage: f64Ptr(230.0)}, time.Now()); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	if err := repo.Apply(ctx, "DEV_001", ReadingUpdate{Current: f64Ptr(5.2)}, time.Now()); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}

	got, err := repo.Get(ctx, "DEV_001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Voltage == nil || *got.Voltage != 230.0 {
		t.Errorf("Voltage = %v, want 230 retained across second message", got.Voltage)
	}
	if got.Current == nil || *got.Current != 5.2 {
		t.Errorf("Current = %v, want 5.2", got.Current)
	}
	if got.DataCollectionCount != 2 {
		t.Errorf("DataCollectionCount = %d, want 2", got.DataCollectionCount)
	}
	if got.LastDataReceived == nil {
		t.Error("LastDataReceived not set")
	}
}

func TestReadingApply_AbsentFieldKeepsPriorValue(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteReadingRepository(db.DB, testRetryPolicy())
	ctx := context.Background()

	approveTestMeter(t, db, "DEV_001")

	if err := repo.Apply(ctx, "DEV_001", ReadingUpdate{
		Voltage: f64Ptr(220.0),
		Current: f64Ptr(5.2),
	}, time.Now()); err != nil {
		t.Fatalf("seed Apply() error = %v", err)
	}

	// New message carries voltage only; current was null.
	if err := repo.Apply(ctx, "DEV_001", ReadingUpdate{Voltage: f64Ptr(230.0)}, time.Now()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	got, err := repo.Get(ctx, "DEV_001")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if *got.Voltage != 230.0 {
		t.Errorf("Voltage = %v, want 230", *got.Voltage)
	}
	if got.Current == nil || *got.Current != 5.2 {
		t.Errorf("Current = %v, want prior 5.2 retained", got.Current)
	}
}

func TestReadingApply_MissingRow(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteReadingRepository(db.DB, testRetryPolicy())

	err := repo.Apply(context.Background(), "DEV_GHOST", ReadingUpdate{Voltage: f64Ptr(230.0)}, time.Now())
	if !errors.Is(err, ErrReadingMissing) {
		t.Fatalf("Apply() error = %v, want ErrReadingMissing", err)
	}
}

func TestReadingGet_Missing(t *testing.T) {
	db := openTestDB(t)
	repo := NewSQLiteReadingRepository(db.DB, testRetryPolicy())

	if _, err := repo.Get(context.Background(), "DEV_GHOST"); !errors.Is(err, ErrReadingMissing) {
		t.Fatalf("Get() error = %v, want ErrReadingMissing", err)
	}
}

func TestListWithReadings(t *testing.T) {
	db := openTestDB(t)
	meters := NewSQLiteRepository(db.DB)
	readings := NewSQLiteReadingRepository(db.DB, testRetryPolicy())
	ctx := context.Background()

	approveTestMeter(t, db, "DEV_001")
	approveTestMeter(t, db, "DEV_002")

	if err := readings.Apply(ctx, "DEV_001", ReadingUpdate{PowerW: f64Ptr(1480.0)}, time.Now()); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	out, err := meters.ListWithReadings(ctx)
	if err != nil {
		t.Fatalf("ListWithReadings() error = %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("ListWithReadings() returned %d rows, want 2", len(out))
	}

	byID := map[string]MeterWithReading{}
	for _, mwr := range out {
		byID[mwr.Meter.DeviceID] = mwr
	}

	withData := byID["DEV_001"]
	if withData.Reading == nil || withData.Reading.PowerW == nil || *withData.Reading.PowerW != 1480.0 {
		t.Errorf("DEV_001 reading = %+v, want power 1480", withData.Reading)
	}
	if withData.Reading.DataCollectionCount != 1 {
		t.Errorf("DEV_001 count = %d, want 1", withData.Reading.DataCollectionCount)
	}

	noData := byID["DEV_002"]
	if noData.Reading == nil {
		t.Fatal("DEV_002 should have a provisioned (empty) reading row")
	}
	if noData.Reading.DataCollectionCount != 0 {
		t.Errorf("DEV_002 count = %d, want 0", noData.Reading.DataCollectionCount)
	}
}
