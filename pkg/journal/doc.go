/*
Package journal persists orchestrator events to an append-only bbolt
database. It subscribes to the event broker and keeps a durable, ordered
record that survives restarts, which the status command reads to show recent
history.
*/
package journal
