/*
Package migrate moves legacy single-container bots into shared pools.

A run discovers candidates by pairing legacy per-bot directories under the
pool root with their tradebot-{id} containers, then migrates them one at a
time: stop the dedicated container, allocate a pool slot, start the bot
under the pool's supervisor, and verify it answers an authenticated ping on
its new port. Success parks the legacy directory as a rollback backup and
removes the old container; failure tears the pool slot down and restarts
the dedicated container, leaving the bot exactly where it was.

Every outcome lands in a durable ledger ({root}/.migration-log.json), which
makes runs resumable and drives the status and rollback commands.
*/
package migrate
