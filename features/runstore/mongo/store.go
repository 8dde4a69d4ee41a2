// Package mongo wires the runstore.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/syncdiag/features/runstore/mongo/clients/mongo"
	"goa.design/syncdiag/runtime/diagnostics"
	"goa.design/syncdiag/runtime/diagnostics/runstore"
)

// Store implements runstore.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ runstore.Store = (*Store)(nil)

// NewStore builds a Mongo-backed run store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// GetOrCreateCurrentRun implements runstore.Store.
func (s *Store) GetOrCreateCurrentRun(ctx context.Context, calendarID string) (diagnostics.RunIDInfo, error) {
	return s.client.GetOrCreateCurrentRun(ctx, calendarID)
}

// GetStatus implements runstore.Store.
func (s *Store) GetStatus(ctx context.Context, id diagnostics.RunID) (diagnostics.Status, error) {
	return s.client.GetStatus(ctx, id)
}

// GetResults implements runstore.Store.
func (s *Store) GetResults(ctx context.Context, id diagnostics.RunID) (*diagnostics.Results, error) {
	return s.client.GetResults(ctx, id)
}

// Save implements runstore.Store.
func (s *Store) Save(ctx context.Context, req diagnostics.SaveRequest) error {
	return s.client.Save(ctx, req)
}
