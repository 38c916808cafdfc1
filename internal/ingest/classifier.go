package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voltgrid/voltgrid-core/internal/infrastructure/mqtt"
)

// Classification errors. Both mean "discard the message"; the pipeline logs
// a warning and drops it without retry.
var (
	// ErrMalformedPayload is returned when a property or data payload is
	// not a JSON object.
	ErrMalformedPayload = errors.New("ingest: malformed payload")

	// ErrNoDeviceID is returned when no device id can be resolved from
	// payload fields or topic segments.
	ErrNoDeviceID = errors.New("ingest: no resolvable device id")
)

// Kind classifies an inbound broker message.
type Kind int

const (
	// KindProperty carries device metadata. Topic suffix "prop".
	KindProperty Kind = iota

	// KindData carries telemetry. Topic suffix "data".
	KindData

	// KindPassthrough covers alert and status traffic: fanned out to
	// subscribers without device-state resolution.
	KindPassthrough
)

// String returns the kind name for logging and broadcast events.
func (k Kind) String() string {
	switch k {
	case KindProperty:
		return "property"
	case KindData:
		return "data"
	case KindPassthrough:
		return "passthrough"
	default:
		return "unknown"
	}
}

// RawMessage is an inbound (topic, payload, received-at) tuple from the
// broker. Transient; never persisted as-is.
type RawMessage struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// ClassifiedMessage is the result of classifying a RawMessage.
type ClassifiedMessage struct {
	DeviceID   string
	Department string
	Kind       Kind
	Topic      string
	Payload    map[string]any
	Raw        []byte
	ReceivedAt time.Time
}

// Topic layout: devices/{department}/{device_id}/{channel}.
const (
	topicSegments     = 4
	departmentSegment = 1
	deviceIDSegment   = 2
	channelSegment    = 3
)

// Classify is a pure function from RawMessage to ClassifiedMessage.
//
// The channel suffix decides the kind: "prop" is PROPERTY, "data" is DATA,
// anything else (alert, status) is passthrough. Property and data payloads
// must be JSON objects; the device id is resolved by fixed precedence:
// payload device_id, then payload dev_eui, then the third topic segment.
// Messages failing either rule are discarded via an error return — Classify
// never panics to the caller.
func Classify(raw RawMessage) (ClassifiedMessage, error) {
	segments := strings.Split(raw.Topic, "/")

	msg := ClassifiedMessage{
		Kind:       KindPassthrough,
		Topic:      raw.Topic,
		Raw:        raw.Payload,
		ReceivedAt: raw.ReceivedAt,
	}
	if len(segments) >= topicSegments {
		msg.Department = segments[departmentSegment]
		msg.DeviceID = segments[deviceIDSegment]
	}

	if len(segments) < topicSegments {
		// Not a device topic; forward as-is.
		return msg, nil
	}

	switch segments[channelSegment] {
	case mqtt.SuffixProperty:
		msg.Kind = KindProperty
	case mqtt.SuffixData:
		msg.Kind = KindData
	default:
		return msg, nil
	}

	// Property and data messages need a parseable payload and a device id.
	var payload map[string]any
	if err := json.Unmarshal(raw.Payload, &payload); err != nil {
		return ClassifiedMessage{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	msg.Payload = payload

	id := deviceID(payload, segments)
	if id == "" {
		return ClassifiedMessage{}, fmt.Errorf("%w: topic %s", ErrNoDeviceID, raw.Topic)
	}
	msg.DeviceID = id

	return msg, nil
}

// deviceID resolves the device id by fixed precedence: explicit payload
// field, alternate payload field, then topic segment.
func deviceID(payload map[string]any, segments []string) string {
	if id, ok := payload["device_id"].(string); ok && id != "" {
		return id
	}
	if id, ok := payload["dev_eui"].(string); ok && id != "" {
		return id
	}
	if len(segments) >= topicSegments && segments[deviceIDSegment] != "" {
		return segments[deviceIDSegment]
	}
	return ""
}
