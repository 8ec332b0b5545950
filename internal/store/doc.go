// Package store provides SQLite-backed durable storage for sensor records.
//
// The store is append-only: rows are inserted once and never updated.
// Every row carries a store-assigned id and captured_at; channel columns are
// NULL when the frame did not carry a usable value.
//
// # Database Configuration
//
//   - WAL mode: readers (dashboards, exports) do not block the writer
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - a single pooled connection, so concurrent Insert calls from different
//     device monitors are serialised and never interleave
//
// Databases written by the previous logger (table SensorData) are imported
// into sensor_data on first open.
package store
