// Package scheduler registers named schedules and turns their triggers into
// task engine submissions.
//
// The scheduler is responsible only for:
//   - registering schedules (cron or fixed interval)
//   - computing next trigger times
//   - enqueueing tasks into the task engine
//
// Execution, overlap gating and history live in internal/task/engine.
package scheduler
