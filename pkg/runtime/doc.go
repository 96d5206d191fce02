// Package runtime abstracts the container runtime behind the narrow Driver
// interface the orchestrator core depends on.
//
// DockerDriver is the production implementation: pool containers are managed
// through compose manifests (rendered here and driven via the docker compose
// CLI), while inspection, in-container exec, stats, restarts, and the legacy
// dedicated-container path use the Docker Engine API directly.
//
// FakeDriver provides an in-memory implementation for tests; the core is
// written against Driver so that no test needs a real daemon.
package runtime
