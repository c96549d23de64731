// Package notify sends short operator alerts to a Telegram chat.
//
// Alerts are derived from event bus topics (permanently dropped tasks, failed
// jobs, scheduler halts) and delivered through an async pipeline: bounded
// queue, worker pool, rate limit, retry with backoff and a dedup window so a
// burst of identical failures produces one message.
package notify
