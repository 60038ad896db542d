// Package dispatch fans a single message out across managed identities.
//
// The engine walks the requested identities in order, sending through each
// one's pooled connection with a pause between identities so the fan-out
// does not look like a burst from one sender. A global token bucket caps
// the aggregate send rate on top of the per-identity pacing.
//
// Delivery semantics
//
// Delivery is best-effort. An identity without a live connection, or one
// sitting inside a flood-wait window, is skipped without touching the
// network. Transient failures are retried a bounded number of times with
// the controller's backoff between attempts. A flood-wait response ends
// the attempt loop immediately, since repeating the send only extends the
// penalty window; a wait above the controller's ceiling is reported with
// a distinct reason so hours-long penalties stand out in the results.
package dispatch
