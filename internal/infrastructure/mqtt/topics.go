package mqtt

import "fmt"

// Topic layout for meter traffic.
//
// All device topics use the scheme: devices/{department}/{device_id}/{channel}
// where channel is one of the suffix constants below. The core subscribes to
// the department- and device-wildcarded forms and publishes configuration
// back on the config channel.
const (
	// TopicPrefixDevices is the base for all device topics.
	TopicPrefixDevices = "devices"

	// TopicPrefixSystem is the base for service status topics.
	TopicPrefixSystem = "voltgrid/system"
)

// Channel suffixes on device topics.
const (
	// SuffixData carries telemetry measurements.
	SuffixData = "data"

	// SuffixProperty carries device metadata (identity, network info).
	SuffixProperty = "prop"

	// SuffixAlert carries device alert notifications.
	SuffixAlert = "alert"

	// SuffixStatus carries device online/offline status.
	SuffixStatus = "status"

	// SuffixConfig carries configuration pushed to a device after approval.
	SuffixConfig = "config"
)

// Topics provides builders for VoltGrid MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	cfgTopic := topics.DeviceConfig("plant-a", "DEV_001")
//	// Returns: "devices/plant-a/DEV_001/config"
type Topics struct{}

// DeviceData returns the telemetry topic for a specific meter.
//
// Example: devices/plant-a/DEV_001/data
func (Topics) DeviceData(department, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevices, department, deviceID, SuffixData)
}

// DeviceProperty returns the metadata topic for a specific meter.
//
// Example: devices/plant-a/DEV_001/prop
func (Topics) DeviceProperty(department, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevices, department, deviceID, SuffixProperty)
}

// DeviceConfig returns the configuration push topic for a specific meter.
//
// Example: devices/plant-a/DEV_001/config
func (Topics) DeviceConfig(department, deviceID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefixDevices, department, deviceID, SuffixConfig)
}

// AllDeviceData returns a pattern matching telemetry from every meter.
//
// Pattern: devices/+/+/data
func (Topics) AllDeviceData() string {
	return fmt.Sprintf("%s/+/+/%s", TopicPrefixDevices, SuffixData)
}

// AllDeviceProperties returns a pattern matching metadata from every meter.
//
// Pattern: devices/+/+/prop
func (Topics) AllDeviceProperties() string {
	return fmt.Sprintf("%s/+/+/%s", TopicPrefixDevices, SuffixProperty)
}

// AllDeviceAlerts returns a pattern matching alerts from every meter.
//
// Pattern: devices/+/+/alert
func (Topics) AllDeviceAlerts() string {
	return fmt.Sprintf("%s/+/+/%s", TopicPrefixDevices, SuffixAlert)
}

// AllDeviceStatus returns a pattern matching status from every meter.
//
// Pattern: devices/+/+/status
func (Topics) AllDeviceStatus() string {
	return fmt.Sprintf("%s/+/+/%s", TopicPrefixDevices, SuffixStatus)
}

// IngestFilters returns the fixed topic filter set the ingestion pipeline
// subscribes to on every (re)connect.
func (t Topics) IngestFilters() []string {
	return []string{
		t.AllDeviceData(),
		t.AllDeviceProperties(),
		t.AllDeviceAlerts(),
		t.AllDeviceStatus(),
	}
}

// SystemStatus returns the service status topic (online/offline, LWT).
//
// Example: voltgrid/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}
