// Package profile contains the study profile domain model: the durable record
// kept by the remote store, the partial updates written to it, and the two pure
// transforms that are the only authority on streak and daily-progress arithmetic.
//
// Reconcile brings a stale record in line with the current calendar day.
// ApplyStudyEvent folds one accepted study event into a record.
// Both return the new record together with the Patch that produces it remotely,
// so callers never write back a whole record they read earlier.
//
// The package depends only on pkg/timeutil and the shared domain errors.
package profile
