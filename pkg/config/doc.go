// Package config loads orchestrator configuration from environment
// variables, with optional .env support for development.
package config
