package meter

import "time"

// PropertyUpdate is the typed projection of a PROPERTY payload. Nil fields
// were absent from the message and must not overwrite stored values.
type PropertyUpdate struct {
	DeviceName      *string
	DeviceType      *string
	IPAddress       *string
	MACAddress      *string
	FirmwareVersion *string
	ConnectionType  *string
}

// ParsePropertyUpdate extracts device metadata from a parsed PROPERTY
// payload. Each field accepts a primary key and one legacy alias, matching
// what deployed meter firmware actually publishes.
func ParsePropertyUpdate(payload map[string]any) PropertyUpdate {
	return PropertyUpdate{
		DeviceName:      stringField(payload, "device_name", "name"),
		DeviceType:      stringField(payload, "device_type", "type"),
		IPAddress:       stringField(payload, "ip_address", "ip"),
		MACAddress:      stringField(payload, "mac_address", "mac"),
		FirmwareVersion: stringField(payload, "firmware_version", "fw_version"),
		ConnectionType:  stringField(payload, "connection_type", "conn_type"),
	}
}

// ApplyProperty merges a PropertyUpdate into the pending record with
// coalescing semantics: present fields overwrite, absent fields keep their
// prior values. last_seen_at always advances; discovered_at never changes.
func (p *PendingMeter) ApplyProperty(u PropertyUpdate, raw []byte, seenAt time.Time) {
	coalesce(&p.DeviceName, u.DeviceName)
	coalesce(&p.DeviceType, u.DeviceType)
	coalesce(&p.IPAddress, u.IPAddress)
	coalesce(&p.MACAddress, u.MACAddress)
	coalesce(&p.FirmwareVersion, u.FirmwareVersion)
	coalesce(&p.ConnectionType, u.ConnectionType)

	if len(raw) > 0 {
		s := string(raw)
		p.LastPayload = &s
	}
	p.LastSeenAt = seenAt
}

// ReadingUpdate is the typed projection of a DATA payload's measurement
// groups. Nil fields were absent (or null) in the message.
type ReadingUpdate struct {
	// Basic electrical
	Voltage     *float64
	Current     *float64
	PowerW      *float64
	PowerFactor *float64
	FrequencyHz *float64

	// Per-phase electrical
	VoltageL1 *float64
	VoltageL2 *float64
	VoltageL3 *float64
	CurrentL1 *float64
	CurrentL2 *float64
	CurrentL3 *float64

	// Environmental
	TemperatureC *float64
	HumidityPct  *float64

	// Device health
	SignalDBm *float64
	UptimeS   *int64

	// Energy counters
	EnergyKWhTotal *float64
	EnergyKWhToday *float64
}

// ParseReadingUpdate extracts measurement fields from a parsed DATA payload.
// Unknown keys are ignored; null and non-numeric values count as absent.
func ParseReadingUpdate(payload map[string]any) ReadingUpdate {
	return ReadingUpdate{
		Voltage:     floatField(payload, "voltage"),
		Current:     floatField(payload, "current"),
		PowerW:      floatField(payload, "power_w", "power"),
		PowerFactor: floatField(payload, "power_factor"),
		FrequencyHz: floatField(payload, "frequency_hz", "frequency"),

		VoltageL1: floatField(payload, "voltage_l1"),
		VoltageL2: floatField(payload, "voltage_l2"),
		VoltageL3: floatField(payload, "voltage_l3"),
		CurrentL1: floatField(payload, "current_l1"),
		CurrentL2: floatField(payload, "current_l2"),
		CurrentL3: floatField(payload, "current_l3"),

		TemperatureC: floatField(payload, "temperature_c", "temperature"),
		HumidityPct:  floatField(payload, "humidity_pct", "humidity"),

		SignalDBm: floatField(payload, "signal_dbm", "rssi"),
		UptimeS:   intField(payload, "uptime_s", "uptime"),

		EnergyKWhTotal: floatField(payload, "energy_kwh_total"),
		EnergyKWhToday: floatField(payload, "energy_kwh_today"),
	}
}

// Merge applies a ReadingUpdate to the reading with coalescing semantics:
// each field overwrites only if present in the update, absent fields retain
// the prior value. data_collection_count increments on every call and
// last_data_received is set to now, so Merge is idempotent in all field
// values except the counter.
func (r *Reading) Merge(u ReadingUpdate, now time.Time) {
	coalesce(&r.Voltage, u.Voltage)
	coalesce(&r.Current, u.Current)
	coalesce(&r.PowerW, u.PowerW)
	coalesce(&r.PowerFactor, u.PowerFactor)
	coalesce(&r.FrequencyHz, u.FrequencyHz)

	coalesce(&r.VoltageL1, u.VoltageL1)
	coalesce(&r.VoltageL2, u.VoltageL2)
	coalesce(&r.VoltageL3, u.VoltageL3)
	coalesce(&r.CurrentL1, u.CurrentL1)
	coalesce(&r.CurrentL2, u.CurrentL2)
	coalesce(&r.CurrentL3, u.CurrentL3)

	coalesce(&r.TemperatureC, u.TemperatureC)
	coalesce(&r.HumidityPct, u.HumidityPct)

	coalesce(&r.SignalDBm, u.SignalDBm)
	coalesce(&r.UptimeS, u.UptimeS)

	coalesce(&r.EnergyKWhTotal, u.EnergyKWhTotal)
	coalesce(&r.EnergyKWhToday, u.EnergyKWhToday)

	t := now.UTC()
	r.LastDataReceived = &t
	r.DataCollectionCount++
}

// coalesce overwrites dst only when src carries a value.
func coalesce[T any](dst **T, src *T) {
	if src != nil {
		*dst = src
	}
}

// stringField returns the first present, non-empty string value among the
// given keys.
func stringField(payload map[string]any, keys ...string) *string {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return &s
			}
		}
	}
	return nil
}

// floatField returns the first present numeric value among the given keys.
// JSON numbers decode as float64; integers published by firmware are
// accepted too.
func floatField(payload map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			switch n := v.(type) {
			case float64:
				return &n
			case int:
				f := float64(n)
				return &f
			case int64:
				f := float64(n)
				return &f
			}
		}
	}
	return nil
}

// intField returns the first present integer value among the given keys.
// Fractional values are truncated.
func intField(payload map[string]any, keys ...string) *int64 {
	for _, k := range keys {
		if v, ok := payload[k]; ok {
			switch n := v.(type) {
			case float64:
				i := int64(n)
				return &i
			case int:
				i := int64(n)
				return &i
			case int64:
				return &n
			}
		}
	}
	return nil
}
