package transaction

// The transaction package turns the relation changes of one graph transaction into writes of the edge store, the
// composite index store and the mixed index providers.
//
// A commit moves through PREPARING, LOCKING, PRIMARY_PERSISTING, optionally SECONDARY_PERSISTING, and ends in DONE.
// Any error before the primary write is durable ends it in ABORTED instead. Every transition and every lock is
// recorded in the Trace returned with the commit result.
//
// *Locks* are taken through the key-column-value layer (see storage/kcvs). Deletions are locked before additions,
// first on the vertex rows of the edge store, then on composite index rows. A deletion lock carries the value the
// column is expected to hold, which is verified again right before the primary write.
//
// The *primary* write is a single batch holding every vertex row and composite index change. When the transaction log
// is enabled a PRECOMMIT record is written once locking succeeded and the PRIMARY_SUCCESS (or COMPLETE_SUCCESS) record
// is part of the primary batch itself.
//
// *Secondary* effects are the mixed index changes and the user log. They run after the primary write; their
// failures are logged and reported in the result but do not fail the commit.
//
// On backends without transaction isolation, schema relations are split off and committed first in their own
// backend transaction so that a failing schema change never leaves user data behind.
//
// Within this package, `txlog` contains the record format of the transaction log.
