// Package stores provides the durable state behind checkpoints.
//
// The SQLite store keeps one row per run plus its phase results,
// continuation trigger, temporary credential record, an append-only event
// log, and an audit trail that outlives deleted runs. Schema changes are
// embedded migrations applied with golang-migrate. Guarded updates
// (single running phase, claim-once continuation, remove-once credential)
// are expressed as conditional UPDATE statements so they hold across
// processes that share the database file.
package stores
