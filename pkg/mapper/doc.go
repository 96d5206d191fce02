/*
Package mapper is the façade the API gateway talks to. It resolves an
instanceId to connection info (endpoint plus API credentials) uniformly
across pooled and dedicated placement, and forwards lifecycle operations to
whichever path owns the bot.

Placement is a tagged variant: bots known to the pool manager are Pooled and
resolve through it; bots found only as legacy per-instance directories are
Dedicated and resolve from their on-disk config. Callers never see the
difference beyond the placement tag.

Host resolution follows a policy: an explicit override, else localhost when
the orchestrator runs on the container host, else the container name over
docker-internal DNS, with an auto mode that detects containerized execution.
Resolved connections are cached for one minute.
*/
package mapper
