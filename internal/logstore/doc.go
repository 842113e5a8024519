// Package logstore archives installation log lines in PostgreSQL.
//
// Store owns the table and its queries; Writer batches lines coming off the
// event stream so the dispatch goroutine never waits on the database.
// Rows are append-only.
package logstore
