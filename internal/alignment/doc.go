// Package alignment decides where the records of an increment go.
//
// # Overview
//
// Given the global leaf histogram at the mapping order and the partitions
// an earlier build already materialized, the planner produces a Plan: one
// destination cell per populated leaf, plus the row count of every
// destination. Destinations are as large as the merge threshold allows and
// never overlap each other or an existing partition.
//
// # Algorithm
//
// The quad-tree is never built. Every level of the sweep is a flat array
// of counts indexed by cell id, and the parent of cell i is i/4:
//
//	order m   (leaves)   [ 10 | 15 |  0 | 25 ][ 3 | ■ | ■ | ■ ]
//	                              │                  │
//	                              ▼                  ▼
//	order m-1            [        50        ][ blocked (existing) ]
//
// A parent merges when none of its children is blocked and the children's
// combined count lies in [1, Threshold]. Merged leaves are reassigned to
// the parent; the parent's count and blocked flag are carried one level up.
// Leaves under an existing partition are assigned to it before the sweep
// and are never moved.
//
// # Persistence
//
// The plan is saved once, before any split task starts, so a resumed build
// routes records exactly as the interrupted one did.
//
// # Registry
//
// Registry joins the plan with the existing partitions. Reduce key
// enumeration, the partition listing and status reporting all read it.
package alignment
