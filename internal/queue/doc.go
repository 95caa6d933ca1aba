// Package queue persists acquisition tasks in SQLite and owns the task
// state machine. The store survives restarts; in-flight state that cannot
// survive a crash is rolled back to a retryable point on startup.
package queue
