// Package cli implements the txoutbox command: running the dispatcher and the
// consumer, creating demo records and operating on the outbox table.
package cli
