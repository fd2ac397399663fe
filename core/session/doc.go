// Package session defines the data model shared by every checkpoint component:
// sessions, messages, state snapshots, usage events and cost aggregates, plus
// the sentinel errors that make up the error taxonomy.
//
// All values are immutable once written. Readers receive deep copies produced
// by [Message.Clone] and [Snapshot.Clone], so mutating a returned value never
// affects what a backend has stored.
package session
