// Package store owns every persisted byte of the ledger. It manages one bbolt
// database per logical database name and exposes flat key-value partitions
// (bbolt buckets) on top of it. No other package opens bbolt directly.
package store

import (
	"context"
	"errors"
)

// Error variables for store operations
var (
	// ErrVersionConflict is returned when the database was written by a newer schema
	ErrVersionConflict = errors.New("schema version conflict")
	// ErrPartitionMissing is returned when a partition disappeared after open
	ErrPartitionMissing = errors.New("partition missing")
	// ErrConnectionClosed is returned when the underlying database was closed unexpectedly
	ErrConnectionClosed = errors.New("connection closed")
	// ErrRegistryClosed is returned by Open after Close
	ErrRegistryClosed = errors.New("registry closed")
)

// KV is the minimal key-value surface used by typed cells
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Partition is the full primitive surface of one store partition
type Partition interface {
	KV
	GetAll(ctx context.Context) ([]string, [][]byte, error)
	Delete(ctx context.Context, key string) error
	PutBatch(ctx context.Context, entries map[string][]byte) error
	ReplacePrefix(ctx context.Context, prefix string, entries map[string][]byte) error
}

var (
	_ KV        = (*Conn)(nil)
	_ Partition = (*Conn)(nil)
)
