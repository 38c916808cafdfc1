// Package api provides the HTTP surface and the broadcast fan-out hub.
//
// The hub owns the subscriber connection registry: every classified broker
// message, plus synthetic connection/heartbeat events, is fanned out to all
// live subscriber connections over two transports (a newline-delimited JSON
// event stream and a full-duplex WebSocket). A connection is removed the
// instant a send fails; a broadcast never errors because one subscriber is
// dead.
//
// The REST endpoints expose the meter inventory, the pending-approval queue,
// reaper introspection, and the approval command.
package api
