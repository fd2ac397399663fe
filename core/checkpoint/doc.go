// Package checkpoint implements the Checkpoint Store: the authoritative,
// append-only sequence of state snapshots of every session.
//
// Each [Store.Put] reads the latest snapshot, appends the new messages to the
// accumulated list and writes the result with the next sequence number in one
// atomic backend operation. [Store.PutExpected] is the optimistic variant used
// by the session runner: it fails with session.ErrWriteConflict when another
// writer advanced the session since the caller read it.
//
// History is exposed as a lazy, paged iterator so long sessions never need to
// be loaded in one piece:
//
//	for snap, err := range store.History(ctx, "s1") {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(snap.Sequence, len(snap.Messages))
//	}
package checkpoint
