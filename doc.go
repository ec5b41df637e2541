/*
Package kvs implements the transactional storage core of a document-graph
database on top of an ordered key-value engine (in-memory, Bolt or Badger).

We implement:

1. A key codec mapping namespaces, databases, tables, records, index
entries, graph edges and metadata onto one flat, totally ordered byte key
space.

2. Transactions with snapshot isolation: reads see one consistent
snapshot plus the transaction's own writes, and writes become visible
atomically at commit.

3. Optimistic conflict detection at commit time, commit versionstamps and
an ordered change feed.

4. A decoded-entry cache, per transaction and optionally shared.

# Technical Details

**Key layout.**
Every key starts with '/'. Below the root each hierarchy level is
introduced by a marker: '*' child (namespace, database, table, record),
'!' metadata, '+' index entry, '~' graph edge. Strings are escaped and
terminated so that no encoded component is a prefix of another, which
makes every partial tuple a contiguous key range.

**Values inside keys** (record ids, index values) start with a type tag;
types sort by tag. Integers and floats share one number encoding, so 2 <
2.5 < 3 holds across kinds; NaN is rejected.

**Record values** are msgpack.

**Snapshots.**
The datastore keeps a watermark: the newest versionstamp such that every
commit at or below it has finished. A transaction's snapshot is the
watermark at Begin.

**Commits.**
Under a short critical section the transaction's read keys, read ranges
and writes are checked against the commit log entries newer than its
snapshot; on success it gets the next versionstamp and its log entry is
appended. Writing to the backend happens outside the critical section.
Versionstamps are reserved in windows persisted under a metadata key, so
they keep increasing across restarts.

**Change feed.**
Commits are published in versionstamp order. With a change feed directory,
changes are also appended to a journal and can be replayed by new
subscribers.
*/
package kvs
