// Package models contains GORM-specific persistence models that map to database tables.
// They are kept apart from the integration domain so that the domain stays free of
// ORM tags; ToDomain/FromDomain functions convert between the two.
//
// Tables:
//   - rate_usage: append-only ledger of admitted connector calls
//   - rate_target_locks: one row per target, locked to serialize admission
//   - sync_run_log: one row per tier run with its per-target outcomes as JSON
package models
