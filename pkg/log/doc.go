// Package log provides structured logging for Burrow built on zerolog.
//
// A single global logger is initialized once at startup via Init; components
// derive child loggers with WithComponent and the identity helpers
// (WithPoolID, WithInstanceID, WithUserID) so that every line carries the
// fields an operator needs to trace a bot across pools.
package log
