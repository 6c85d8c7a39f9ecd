// Package scheduler keeps at most one recurring poll job per subject, in one of two
// polling tiers, and turns each trigger into a task for the engine.
//
// The scheduler is responsible only for:
//   - persisting jobs so they survive a restart
//   - computing trigger times (cron entries with a first-fire override)
//   - moving a job between tiers without losing its identity
//   - enqueueing ticks into the task engine
package scheduler
