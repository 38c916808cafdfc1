package meter

import (
	"testing"
	"time"
)

func TestParseReadingUpdate(t *testing.T) {
	payload := map[string]any{
		"voltage":      230.1,
		"current":      nil, // null in JSON: treated as absent
		"power":        1500.0,
		"uptime_s":     3600.0,
		"temperature":  21.5,
		"signal_dbm":   -67.0,
		"unrelated":    "ignored",
		"power_factor": 0.98,
	}

	u := ParseReadingUpdate(payload)

	if u.Voltage == nil || *u.Voltage != 230.1 {
		t.Errorf("Voltage = %v, want 230.1", u.Voltage)
	}
	if u.Current != nil {
		t.Errorf("Current = %v, want nil for null value", *u.Current)
	}
	if u.PowerW == nil || *u.PowerW != 1500.0 {
		t.Errorf("PowerW = %v, want 1500 via alias", u.PowerW)
	}
	if u.UptimeS == nil || *u.UptimeS != 3600 {
		t.Errorf("UptimeS = %v, want 3600", u.UptimeS)
	}
	if u.TemperatureC == nil || *u.TemperatureC != 21.5 {
		t.Errorf("TemperatureC = %v, want 21.5 via alias", u.TemperatureC)
	}
	if u.SignalDBm == nil || *u.SignalDBm != -67.0 {
		t.Errorf("SignalDBm = %v, want -67", u.SignalDBm)
	}
	if u.PowerFactor == nil || *u.PowerFactor != 0.98 {
		t.Errorf("PowerFactor = %v, want 0.98", u.PowerFactor)
	}
	if u.EnergyKWhTotal != nil {
		t.Errorf("EnergyKWhTotal = %v, want nil for absent key", *u.EnergyKWhTotal)
	}
}

func TestMerge_AbsentFieldsKeepPriorValues(t *testing.T) {
	r := Reading{
		DeviceID: "DEV_001",
		Voltage:  f64Ptr(220.0),
		Current:  f64Ptr(5.2),
	}

	now := time.Now()
	r.Merge(ReadingUpdate{Voltage: f64Ptr(230.0)}, now)

	if *r.Voltage != 230.0 {
		t.Errorf("Voltage = %v, want 230 (overwritten)", *r.Voltage)
	}
	if r.Current == nil || *r.Current != 5.2 {
		t.Errorf("Current = %v, want 5.2 (retained)", r.Current)
	}
	if r.LastDataReceived == nil || !r.LastDataReceived.Equal(now.UTC()) {
		t.Errorf("LastDataReceived = %v, want %v", r.LastDataReceived, now.UTC())
	}
	if r.DataCollectionCount != 1 {
		t.Errorf("DataCollectionCount = %d, want 1", r.DataCollectionCount)
	}
}

func TestMerge_IdempotentExceptCounter(t *testing.T) {
	update := ReadingUpdate{
		Voltage:     f64Ptr(231.5),
		PowerW:      f64Ptr(1480.0),
		FrequencyHz: f64Ptr(50.02),
	}

	once := Reading{DeviceID: "DEV_001", Current: f64Ptr(6.1)}
	twice := Reading{DeviceID: "DEV_001", Current: f64Ptr(6.1)}

	now := time.Now()
	once.Merge(update, now)
	twice.Merge(update, now)
	twice.Merge(update, now)

	if *once.Voltage != *twice.Voltage || *once.PowerW != *twice.PowerW ||
		*once.FrequencyHz != *twice.FrequencyHz || *once.Current != *twice.Current {
		t.Error("field values differ between single and double application")
	}
	if once.DataCollectionCount != 1 {
		t.Errorf("single application count = %d, want 1", once.DataCollectionCount)
	}
	if twice.DataCollectionCount != 2 {
		t.Errorf("double application count = %d, want 2", twice.DataCollectionCount)
	}
}

func TestParsePropertyUpdate_Aliases(t *testing.T) {
	payload := map[string]any{
		"name":       "Shop Floor Meter",
		"ip_address": "10.0.40.17",
		"mac":        "AA:BB:CC:DD:EE:FF",
		"fw_version": "2.4.1",
	}

	u := ParsePropertyUpdate(payload)

	if u.DeviceName == nil || *u.DeviceName != "Shop Floor Meter" {
		t.Errorf("DeviceName = %v, want alias value", u.DeviceName)
	}
	if u.IPAddress == nil || *u.IPAddress != "10.0.40.17" {
		t.Errorf("IPAddress = %v", u.IPAddress)
	}
	if u.MACAddress == nil || *u.MACAddress != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MACAddress = %v, want alias value", u.MACAddress)
	}
	if u.FirmwareVersion == nil || *u.FirmwareVersion != "2.4.1" {
		t.Errorf("FirmwareVersion = %v, want alias value", u.FirmwareVersion)
	}
	if u.DeviceType != nil {
		t.Errorf("DeviceType = %v, want nil for absent key", *u.DeviceType)
	}
}

func TestApplyProperty_Coalesces(t *testing.T) {
	discovered := time.Now().Add(-time.Hour)
	pm := PendingMeter{
		DeviceID:        "DEV_001",
		DeviceName:      strPtr("Original Name"),
		IPAddress:       strPtr("10.0.40.17"),
		DiscoveredAt:    discovered,
		LastSeenAt:      discovered,
		DiscoverySource: "mqtt_property",
	}

	seenAt := time.Now()
	pm.ApplyProperty(PropertyUpdate{
		IPAddress:       strPtr("10.0.40.99"),
		FirmwareVersion: strPtr("3.0.0"),
	}, []byte(`{"ip_address":"10.0.40.99"}`), seenAt)

	if *pm.DeviceName != "Original Name" {
		t.Errorf("DeviceName = %q, want retained value", *pm.DeviceName)
	}
	if *pm.IPAddress != "10.0.40.99" {
		t.Errorf("IPAddress = %q, want overwritten value", *pm.IPAddress)
	}
	if pm.FirmwareVersion == nil || *pm.FirmwareVersion != "3.0.0" {
		t.Errorf("FirmwareVersion = %v, want 3.0.0", pm.FirmwareVersion)
	}
	if !pm.DiscoveredAt.Equal(discovered) {
		t.Errorf("DiscoveredAt changed: %v", pm.DiscoveredAt)
	}
	if !pm.LastSeenAt.Equal(seenAt) {
		t.Errorf("LastSeenAt = %v, want %v", pm.LastSeenAt, seenAt)
	}
	if pm.LastPayload == nil || *pm.LastPayload != `{"ip_address":"10.0.40.99"}` {
		t.Errorf("LastPayload = %v", pm.LastPayload)
	}
}
