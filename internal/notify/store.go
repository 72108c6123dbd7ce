package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/radoslaw-sz/guardio/pkg/contracts"
	"github.com/radoslaw-sz/guardio/pkg/models"
)

// ── Store Sink & Sink Store ─────────────────────────────────
// Both reach the repository of the first configured storage plugin.

// StoreSink persists events through the shared repository.
type StoreSink struct {
	repo contracts.Repository
}

// NewStoreSink creates a store sink. It requires a storage plugin.
func NewStoreSink(raw json.RawMessage, pc contracts.PluginContext) (contracts.EventSink, error) {
	if err := decodeConfig(raw, &struct{}{}); err != nil {
		return nil, err
	}
	repo := pc.Repository()
	if repo == nil {
		return nil, fmt.Errorf("store sink: no storage plugin configured")
	}
	return &StoreSink{repo: repo}, nil
}

func (s *StoreSink) Name() string { return "store" }

func (s *StoreSink) Emit(ctx context.Context, e *models.GuardioEvent) error {
	return s.repo.CreateEvent(ctx, e)
}

// StoreSinkStore lists events recorded by StoreSink.
type StoreSinkStore struct {
	repo contracts.Repository
}

// NewStoreSinkStore creates the built-in event-sink store.
func NewStoreSinkStore(raw json.RawMessage, pc contracts.PluginContext) (contracts.EventSinkStore, error) {
	if err := decodeConfig(raw, &struct{}{}); err != nil {
		return nil, err
	}
	repo := pc.Repository()
	if repo == nil {
		return nil, fmt.Errorf("store sink store: no storage plugin configured")
	}
	return &StoreSinkStore{repo: repo}, nil
}

func (s *StoreSinkStore) Name() string { return "store" }

func (s *StoreSinkStore) ListEvents(ctx context.Context, filter models.EventFilter) ([]models.GuardioEvent, error) {
	return s.repo.ListEvents(ctx, filter)
}
