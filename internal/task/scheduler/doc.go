// Package scheduler runs named maintenance jobs on cron or interval schedules.
//
// Jobs run inline on the cron goroutine of their entry. A job still running when
// its next tick fires is skipped, and every run gets its own timeout context.
package scheduler
