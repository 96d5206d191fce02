// Package metrics exports Prometheus metrics for pools, bots, health
// checking, recovery, reconciliation, and migration.
package metrics
