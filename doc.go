package tinygraph

/*
TinyGraph is the storage core of a graph database. Vertices, properties and edges are stored as entries in the rows of
a key-column-value store; secondary indexes are kept in a second store or in an external search provider; schema
changes are propagated to every instance of a cluster through a shared log.

The `tinygraph` module is organized into the following packages:

* `kv/storage`: the ordered key-value engines (in memory, badger and leveldb) and the key-column-value layer in
  `kv/storage/kcvs` with its consistent locks.
* `kv/schema`: schema elements, their serialization and the per-instance schema cache.
* `kv/relation`: the codec that turns relations into row entries and back.
* `kv/index`: index maintenance for composite and mixed indexes.
* `kv/mixed`: the interface of external index providers and an in-memory provider.
* `kv/transaction`: the commit coordinator that persists a transaction in phases.
* `kv/wal`: time-partitioned logs used for the transaction log, user logs and management messages.
* `kv/management`: the schema cache invalidation protocol between instances.
* `kv/instance`: the registry of live instances and of open transactions.
* `kv/graph`: the graph and transaction API that ties the packages above together.

Building TinyGraph produces two executables: `kv/main.go` keeps one graph instance open and serves its metrics, and
`cmd/tinygraph-ctl` inspects the stores of a graph.
*/
