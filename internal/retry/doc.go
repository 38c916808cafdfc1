// Package retry implements bounded exponential backoff with jitter.
//
// A Policy captures the backoff parameters (base delay, cap, minimum
// interval, attempt budget, jitter fraction); a Retrier tracks per-use
// attempt state. The same policy shape governs both the broker link's
// reconnection behaviour and the contract published to broadcast
// subscribers for reconnecting to the event stream.
package retry
