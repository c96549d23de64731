// Package scheduler runs the periodic loops that drive the orchestrator.
//
// Each loop has a schedule (cron expression or fixed interval), a job and a
// set of gates. A loop only arms while every one of its gates is open; it
// re-checks them before each run and stops itself once one closes. A job
// returning a *task.ConfigurationError halts every loop.
package scheduler
