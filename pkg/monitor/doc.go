/*
Package monitor watches pool containers and the bots supervised inside them.

Each pass snapshots the pool manager's state, probes reality (container
inspect, supervisor reachability, per-program states), classifies every
subject as healthy, degraded, or unhealthy, and drives recovery for
recoverable findings. Recovery is bounded by a RestartLedger: a subject gets
a limited number of restart attempts per cooldown window, and further
attempts are skipped until the window expires.

Deliberately stopped bots are left alone. A pool that is down masks its
bots; restarting the pool brings supervisord and its autorestart programs
back, so bot-level recovery only runs when the pool itself is reachable.
*/
package monitor
