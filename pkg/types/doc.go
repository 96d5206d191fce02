// Package types defines the core data model shared by all Burrow components:
// pools, slots, placements, connections, bot configuration, and the health
// and reconciliation report structures.
package types
