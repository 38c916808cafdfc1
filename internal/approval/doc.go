// Package approval implements the operator command that promotes a pending
// meter to approved.
//
// Promotion atomically creates the approved meter row and its latest-reading
// row and deletes the pending row, then publishes one configuration message
// to the device's config topic. Approving an already-approved device is
// idempotent: the configuration is re-sent and the command succeeds.
package approval
