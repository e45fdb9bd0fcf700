// Package heartbeat runs the relay's periodic maintenance task: evict timed-
// out clients from the client table, then tell the directory service the
// instance is alive.
package heartbeat
