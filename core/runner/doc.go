// Package runner implements the Session Runner, the per-turn orchestrator
// that moves a session through Idle, AwaitingModelResponse and Committed.
//
// A turn holds the session's lock from the moment it reads the latest
// snapshot until the new snapshot is written, so concurrent turns on one
// session are serialized while different sessions run fully in parallel.
// Snapshot reads and writes and the model call are load-bearing: their
// failures abort the turn. History and usage writes are advisory: their
// failures are logged and the turn still succeeds.
//
// A minimal setup with the in-memory backend:
//
//	b := inmemory.New()
//	led, _ := ledger.New(b, cost.DefaultRates())
//	r, err := runner.New(checkpoint.New(b), history.New(b), led, scripted.New())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := r.SubmitTurn(ctx, "s1", "u1", "Hi")
package runner
