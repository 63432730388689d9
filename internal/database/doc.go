// Package database provides connection pool management for the tick
// recorder's PostgreSQL storage.
package database
