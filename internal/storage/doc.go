// Package storage is the outcome journal: an append-only record of how each
// action ended (done, expired, failed, killed) for operator audit.
//
// It never stores pending actions; the queue lives only in memory.
package storage
