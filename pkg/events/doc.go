// Package events provides a typed publish/subscribe broker for orchestrator
// events.
//
// Event kinds form a closed enum (health reports, recovery actions,
// reconciliation findings, migrations) with structured payload fields.
// Subscribers receive events on buffered channels and are isolated from one
// another: a full subscriber buffer drops the event for that subscriber only.
package events
