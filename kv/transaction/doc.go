package transaction

// The transaction package ties the concurrency control and recovery pieces
// together into transactions over rows stored in pages.
//
// A row is addressed by a Key: the database and table it belongs to, the page
// holding it and its offset within the page. The database, table and page
// are only used to build the lock hierarchy; a row's identity is its page and
// offset, so page ids must be unique across tables.
//
// Within this package:
//
// * `locks` is the hierarchical lock manager. Writers take X locks on rows
//   (and intent locks above them) and hold them until commit or rollback.
//   GetForUpdate takes a U lock.
// * `mvcc` holds committed row versions, the hybrid logical clock and the
//   snapshot isolation checker. Reads never take locks; they read the
//   transaction's own writes first and then the version visible at its
//   start timestamp.
// * `latches` serialize the commit of transactions writing the same rows.
//
// Every change is logged to the WAL before it is applied to its page, so
// uncommitted changes may reach pages: rollback and crash recovery undo
// them with compensation records. Versions only enter MVCC at commit.
//
// ## Row images
//
// The bytes a row occupies in its page are its image: the value prefixed
// with its uvarint length. An Update pads the shorter of its before and
// after images with zeroes so both cover the same range, which keeps undo
// exact. A Delete clears the range. Rebuild decodes images from the log to
// reload committed versions after a restart.
