// Package scheduler executes multi-step outreach campaigns against visitors.
//
// # Overview
//
// A CampaignSchedule names an ordered sequence of message templates, each
// with a delay offset from the triggering event. Instantiate materializes
// the sequence into durable CampaignAttempt rows; Tick executes every due
// attempt exactly once, with bounded retries on transient send failure.
//
// # Attempt state machine
//
//	scheduled -> processing -> sent                        (success)
//	scheduled -> processing -> scheduled                   (transient failure, retried)
//	scheduled -> processing -> failed                      (retries exhausted or permanent)
//	scheduled -> skipped                                   (visitor converted)
//
// The scheduled -> processing transition is a single-row compare-and-set in
// the store. That CAS is the only concurrency mechanism: overlapping ticks,
// or ticks from multiple worker processes, race on the UPDATE and exactly
// one wins per row. The loser skips the row.
//
// # Retry policy
//
// A transient failure below the retry bound returns the attempt to scheduled
// with an exponentially backed-off due time (base 1m by default). An attempt
// that keeps failing reaches terminal failed after exactly MaxAttempts tries.
// Permanent failures (rejected recipient, unknown channel) skip the retries.
//
// # Runner
//
// Runner drives Tick on a fixed interval. Polling is deliberate: due times
// live in the store, so attempts survive process restarts without in-memory
// timers.
package scheduler
