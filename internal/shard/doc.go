// Package shard implements the transient files that carry records from the
// split stage to the reduce stage.
//
// # Overview
//
// A shard file holds the records one split task (one input file) routed to
// one destination cell. Reduce for a cell reads every shard in its
// directory, writes the final partition, and only then deletes them.
//
// # Layout
//
//	<tmp>/shards/
//	└── Norder=2/
//	    └── Npix=68/
//	        ├── split_0.shard
//	        ├── split_3.shard
//	        └── split_4.shard.tmp   (task still running or failed)
//
// # File Format
//
// msgpack values in sequence:
//
//	┌──────────────┬──────────────────────────────┬─────────┬───────┐
//	│ columns      │ true, row  (repeated)        │ false   │ count │
//	│ []string     │ bool, []string               │ bool    │ int   │
//	└──────────────┴──────────────────────────────┴─────────┴───────┘
//
// The trailer makes a truncated file detectable without relying on EOF.
//
// # Atomicity
//
// Rows are written to <name>.shard.tmp and renamed on Commit. A rerun of
// the same split task produces the same rows for the same destinations and
// renames over the earlier files, so repeating a task is safe. List ignores
// temp files.
//
// # Thread Safety
//
// A Set belongs to one split task. Different tasks write different file
// names, so sets run concurrently without locks.
package shard
