/*
Package pool implements the pool manager, the single source of truth for
bot placement.

A pool is one shared container owned by one user, hosting up to MaxBots bot
processes under an in-container supervisor. Each bot occupies a slot: a
(pool, slotIndex, port) triple, with ports drawn from the pool's contiguous
range [basePort, basePort+maxBots).

# Placement

Allocate is idempotent per instance. It picks the first of the user's pools
with capacity (insertion order), creates a new pool when none has room, and
assigns the smallest free port in the pool's range. Pool identities are
{userId}-pool-{N} with N counting up per user; base ports grow monotonically
across all users so ranges never overlap.

# Persistence

All placement state mirrors to a single JSON file under the layout root,
replaced atomically after every mutation. Startup re-hydrates from that file;
a corrupt file starts empty with a warning. Write failures keep the in-memory
state authoritative and retry on the next mutation.

# Locking

State mutations commit under one manager-wide lock; blocking runtime calls
(compose, exec, inspect) never happen under it. The find-or-create decision
in Allocate is serialized separately so concurrent allocations cannot create
two pools where one suffices.

# Reconciliation

Reconcile compares recorded slots against container presence and the
supervisor's program table: slots recorded running with no RUNNING program
are dropped (not_running); running programs without a slot are reported as
orphans for operator attention but never adopted.
*/
package pool
