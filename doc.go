package tinytxn

/*
TinyTxn is the transaction core of a single-node storage engine: concurrency control and crash recovery over rows
stored in pages. It is intended for teaching and experimentation.

Building TinyTxn produces one executable, tinytxn-server. It recovers the write-ahead log, reloads committed row
versions and serves a status API. It also runs recovery, point-in-time recovery and log dumps offline.

The `tinytxn` module is organized into the following packages:

* `kv/wal`: the write-ahead log, its memory and badger stores, and the LZ4 compressed archive.
* `kv/storage`: the page store interface and an in-memory page store with backups.
* `kv/recovery`: ARIES restart recovery, runtime rollback, fuzzy checkpoints, point-in-time and media recovery.
* `kv/transaction`: transactions over rows. Its subpackages hold the hierarchical lock manager (`locks`), the
  versions, hybrid logical clock and snapshot isolation checks (`mvcc`) and commit latches (`latches`).
* `kv/server`: the engine that wires the above together and its HTTP status API.
* `kv/config`: TOML configuration.
*/
