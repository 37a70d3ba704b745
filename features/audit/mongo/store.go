// Package mongo wires the audit.Store interface to the MongoDB client, so
// audit trails survive the batch job that produced them. The driver
// connection is owned by the caller; Close here releases nothing.
package mongo

import (
	"context"
	"errors"

	clientsmongo "causalis.dev/retrodict/features/audit/mongo/clients/mongo"
	"causalis.dev/retrodict/runtime/audit"
)

// Store implements audit.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed audit store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, rec audit.Record) error {
	return s.client.Append(ctx, rec)
}

// List implements audit.Store.
func (s *Store) List(ctx context.Context, runID string, afterIndex int64, limit int) ([]audit.Record, error) {
	return s.client.List(ctx, runID, afterIndex, limit)
}

// Close implements audit.Store. The caller owns the driver connection.
func (s *Store) Close() error { return nil }
