// Package recorder persists streamed field values to PostgreSQL in
// batches. Ticks flow through a buffered channel into an in-memory
// batch that is flushed on size or on a timer; duplicates are dropped
// by the database through the table's primary key.
package recorder
