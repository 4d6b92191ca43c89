// Package notifier delivers reminder notifications to subjects.
//
// A Notifier only reports whether delivery succeeded; recording the outcome
// in the ledger is the caller's job. Transports (log, webhook, Telegram) are
// composed with decorators for timeouts, retries and rate limiting.
package notifier
