package meter

import "errors"

// Domain-specific errors for meter state operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrMeterNotFound is returned when an approved meter does not exist.
	ErrMeterNotFound = errors.New("meter: not found")

	// ErrMeterExists is returned when creating a meter whose device_id
	// is already approved.
	ErrMeterExists = errors.New("meter: already exists")

	// ErrPendingNotFound is returned when a pending meter does not exist.
	ErrPendingNotFound = errors.New("meter: pending meter not found")

	// ErrMeterApproved is returned by the pending upsert when the
	// device_id is already in the approved set. Callers fall back to the
	// configuration-push path instead of surfacing this to the stream.
	ErrMeterApproved = errors.New("meter: device already approved")

	// ErrReadingMissing is returned when a telemetry update matches no
	// reading row for an approved meter. This signals approval without
	// reading-row provisioning and must be logged at error level.
	ErrReadingMissing = errors.New("meter: reading row missing for approved meter")
)
