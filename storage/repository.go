// Package storage provides the record storage abstraction shared by the
// local auth gateway, the audit trail and the dataset tables used for
// cache warm-up.
//
// Records are addressed by (namespace, recordType, recordID). A namespace
// groups related record types, for example "__sessions" or "tables".
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides writes within an atomic transaction scoped to one
// namespace.
type BatchTx interface {
	Put(recordType, recordID string, envelope *Envelope) error
	PutCAS(recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType, recordID string) error
}

// Repository is the record store. Implementations must be safe for
// concurrent use.
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, envelope *Envelope) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Envelope, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	// PutCAS writes only if the stored version equals expectedVersion.
	// expectedVersion 0 means "create only".
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
	// Batch runs fn atomically. If fn returns an error nothing is written.
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}
