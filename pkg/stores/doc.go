// Package stores provides the SQLite persistence layer of the audit service.
// It stores audit runs, normalized step results with their control points and
// citations, step checkpoints, the per-run event trail and webhook deliveries.
// Schema changes ship as embedded golang-migrate migrations.
package stores
