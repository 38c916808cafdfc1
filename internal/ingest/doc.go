// Package ingest classifies inbound broker messages and drives them through
// the device state machine.
//
// Classify is a pure function: channel suffix decides the message kind
// (prop, data, or passthrough for alert/status), the device id resolves by
// fixed precedence (payload device_id, payload dev_eui, topic segment), and
// anything malformed or unidentifiable is discarded with a warning. The
// Pipeline wires the classifier between the broker client, the resolver and
// the broadcast hub, keeping per-message failures contained so the
// ingestion stream never stops.
package ingest
