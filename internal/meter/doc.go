// Package meter implements the device approval state machine and latest-
// reading persistence for VoltGrid Core.
//
// A reporting device moves through three states: unseen (never observed),
// pending (observed, awaiting operator approval) and approved (terminal;
// telemetry is persisted). The Resolver drives transitions from classified
// broker messages; repositories persist pending meters, approved meters and
// latest readings in SQLite; the Reaper expires pending meters that stop
// reporting before approval.
//
// Invariant: a device_id never exists in both the pending and approved sets.
// The pending upsert enforces this at write time (a guarded insert refuses
// device ids that are already approved), and the resolver re-checks approval
// status immediately before every pending write so in-flight messages for a
// freshly approved device fall back to the configuration-push path.
//
// Telemetry updates use a coalescing merge: fields absent from an incoming
// message never overwrite previously stored values. The merge happens on an
// in-memory Reading before a single UPDATE, so its semantics are testable
// without a database.
package meter
