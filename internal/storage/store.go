// Package storage provides persistence for run history and events.
package storage

import (
	"context"

	"github.com/mpz/devops/tools/rds-run-scheduler/internal/types"
)

// Store persists run records and their append-only event logs.
type Store interface {
	// SaveRun persists the current state of a run, replacing any previous state.
	SaveRun(ctx context.Context, run *types.RunRecord) error

	// GetRun retrieves a run by ID. A missing run returns ErrRunNotFound.
	GetRun(ctx context.Context, id string) (*types.RunRecord, error)

	// ListRuns returns all runs, newest first.
	ListRuns(ctx context.Context) ([]*types.RunRecord, error)

	// DeleteRun removes a run and all its events.
	DeleteRun(ctx context.Context, id string) error

	// AppendEvent adds an event to a run's event log.
	// Events are immutable once written.
	AppendEvent(ctx context.Context, event types.Event) error

	// GetEvents retrieves all events for a run in the order they were appended.
	GetEvents(ctx context.Context, runID string) ([]types.Event, error)

	// LoadAll loads all runs and events from storage.
	LoadAll(ctx context.Context) (map[string]*types.RunRecord, map[string][]types.Event, error)
}

// NullStore is a no-op store implementation for when persistence is disabled.
type NullStore struct{}

func (s *NullStore) SaveRun(ctx context.Context, run *types.RunRecord) error {
	return nil
}

func (s *NullStore) GetRun(ctx context.Context, id string) (*types.RunRecord, error) {
	return nil, nil
}

func (s *NullStore) ListRuns(ctx context.Context) ([]*types.RunRecord, error) {
	return nil, nil
}

func (s *NullStore) DeleteRun(ctx context.Context, id string) error {
	return nil
}

func (s *NullStore) AppendEvent(ctx context.Context, event types.Event) error {
	return nil
}

func (s *NullStore) GetEvents(ctx context.Context, runID string) ([]types.Event, error) {
	return nil, nil
}

func (s *NullStore) LoadAll(ctx context.Context) (map[string]*types.RunRecord, map[string][]types.Event, error) {
	return make(map[string]*types.RunRecord), make(map[string][]types.Event), nil
}
