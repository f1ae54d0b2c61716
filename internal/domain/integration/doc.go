// Package integration contains the Integration bounded context.
// This context governs periodic synchronization work against external
// marketplace systems ("targets") under per-target call budgets.
//
// Key concepts:
//   - Tier: priority class of a sync run (HIGH, MEDIUM, LOW) with its cadence,
//     quota fraction and inter-target delay
//   - TargetPolicy: per-target enabled flag and per-minute/per-hour call limits
//   - Connector: Port interface for one marketplace, with one sync operation per tier
//   - ConnectorRegistry: Port interface resolving targets to policies and connectors
//   - UsageLedger: append-only log of admitted calls used for admission decisions
//   - SyncRunResult: audit record of one tier run
//
// Design Pattern: Ports & Adapters
//   - Ports (interfaces) are defined here in the domain layer
//   - Adapters (implementations) are in the infrastructure layer
package integration
