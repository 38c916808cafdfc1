package meter

import "time"

// timeLayout is the storage format for timestamps. Fixed-width UTC with a
// nanosecond fraction, so lexical comparison in SQL matches chronological
// order (the reaper's stale predicate relies on this).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads a stored timestamp. RFC3339 is accepted as a fallback for
// rows written by external tooling.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

// PendingMeter is a meter that has been observed on the broker but not yet
// approved by an operator. Rows are keyed by device_id and refreshed (never
// duplicated) on every further sighting.
type PendingMeter struct {
	DeviceID        string     `json:"device_id"`
	DeviceName      *string    `json:"device_name,omitempty"`
	DeviceType      *string    `json:"device_type,omitempty"`
	IPAddress       *string    `json:"ip_address,omitempty"`
	MACAddress      *string    `json:"mac_address,omitempty"`
	FirmwareVersion *string    `json:"firmware_version,omitempty"`
	ConnectionType  *string    `json:"connection_type,omitempty"`
	LastPayload     *string    `json:"last_payload,omitempty"`
	DiscoveredAt    time.Time  `json:"discovered_at"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	DiscoverySource string     `json:"discovery_source"`
}

// Meter is an approved power meter. The device_id is immutable once created
// and there is no delete path in this core.
type Meter struct {
	DeviceID        string    `json:"device_id"`
	Name            string    `json:"name"`
	Model           *string   `json:"model,omitempty"`
	Department      string    `json:"department"`
	Building        *string   `json:"building,omitempty"`
	Room            *string   `json:"room,omitempty"`
	MeasurementSpec *string   `json:"measurement_spec,omitempty"`
	Notes           *string   `json:"notes,omitempty"`
	ApprovedAt      time.Time `json:"approved_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Reading is the latest-reading record for an approved meter, 1:1 by
// device_id. Fields are pointers so that a value absent from an incoming
// message is distinguishable from a measured zero.
type Reading struct {
	DeviceID string `json:"device_id"`

	// Basic electrical
	Voltage     *float64 `json:"voltage,omitempty"`
	Current     *float64 `json:"current,omitempty"`
	PowerW      *float64 `json:"power_w,omitempty"`
	PowerFactor *float64 `json:"power_factor,omitempty"`
	FrequencyHz *float64 `json:"frequency_hz,omitempty"`

	// Per-phase electrical
	VoltageL1 *float64 `json:"voltage_l1,omitempty"`
	VoltageL2 *float64 `json:"voltage_l2,omitempty"`
	VoltageL3 *float64 `json:"voltage_l3,omitempty"`
	CurrentL1 *float64 `json:"current_l1,omitempty"`
	CurrentL2 *float64 `json:"current_l2,omitempty"`
	CurrentL3 *float64 `json:"current_l3,omitempty"`

	// Environmental
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`

	// Device health
	SignalDBm *float64 `json:"signal_dbm,omitempty"`
	UptimeS   *int64   `json:"uptime_s,omitempty"`

	// Energy counters
	EnergyKWhTotal *float64 `json:"energy_kwh_total,omitempty"`
	EnergyKWhToday *float64 `json:"energy_kwh_today,omitempty"`

	LastDataReceived    *time.Time `json:"last_data_received,omitempty"`
	DataCollectionCount int64      `json:"data_collection_count"`
}

// MeterWithReading pairs an approved meter with its latest reading for
// dashboard list responses. Reading is nil only if the reading row is
// missing, which is an invariant violation.
type MeterWithReading struct {
	Meter   Meter    `json:"meter"`
	Reading *Reading `json:"reading,omitempty"`
}

// State is the resolution state of a device_id.
type State int

const (
	// StateUnseen means the device_id exists in neither pending nor
	// approved storage.
	StateUnseen State = iota

	// StatePending means a PendingMeter row exists.
	StatePending

	// StateApproved means a Meter row exists. Terminal for this core.
	StateApproved
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StatePending:
		return "pending"
	case StateApproved:
		return "approved"
	default:
		return "unknown"
	}
}

// MeterStatus is the tagged resolution result for a device_id. Exactly one
// of Meter or Pending is set, matching State; both are nil for StateUnseen.
type MeterStatus struct {
	State   State
	Meter   *Meter
	Pending *PendingMeter
}

// MessageKind distinguishes the two classified message kinds the resolver
// acts on. Passthrough traffic (alerts, status) never reaches the resolver.
type MessageKind int

const (
	// KindProperty carries device metadata (identity, network info).
	KindProperty MessageKind = iota

	// KindData carries measurement values.
	KindData
)

// String returns the kind name for logging.
func (k MessageKind) String() string {
	switch k {
	case KindProperty:
		return "property"
	case KindData:
		return "data"
	default:
		return "unknown"
	}
}

// InboundMessage is a classified broker message handed to the resolver.
type InboundMessage struct {
	DeviceID   string
	Department string
	Kind       MessageKind
	Payload    map[string]any
	Raw        []byte
	ReceivedAt time.Time
}
