package engine_util

/*
An engine is a low-level system for storing key/value pairs locally. This package contains the badger helpers the
durable write-ahead log is built on.

CF means 'column family', a key namespace. Badger has no native column families, so a CF is emulated by prefixing
every key with the CF name. Writes to several CFs in one WriteBatch are atomic.

engine_util includes the following parts:

* engines: opening a badger DB for the log.
* write_batch: code to batch writes into a single, atomic badger transaction.
* cf_iterator: code to iterate over a whole column family in badger.
*/
