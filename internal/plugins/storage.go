package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/radoslaw-sz/guardio/internal/store"
	"github.com/radoslaw-sz/guardio/pkg/contracts"
)

// StorageFactory builds a storage plugin from its config.
type StorageFactory func(ctx context.Context, raw json.RawMessage) (contracts.StoragePlugin, error)

// StorageFactories returns the built-in storage plugins keyed by name.
func StorageFactories() map[string]StorageFactory {
	return map[string]StorageFactory{
		"memory":   newMemoryStorage,
		"sqlite":   newSQLiteStorage,
		"postgres": newPostgresStorage,
	}
}

// storagePlugin wraps a repository as a StoragePlugin.
type storagePlugin struct {
	name string
	repo store.Repository
}

func (s *storagePlugin) Name() string { return s.name }

func (s *storagePlugin) Repository() contracts.Repository { return s.repo }

func (s *storagePlugin) Close() error { return s.repo.Close() }

func decodeStrict(raw json.RawMessage, v interface{}) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// ── memory ──────────────────────────────────────────────────
// Config: { "snapshotPath": "./guardio-data.json" }

type memoryStorageConfig struct {
	SnapshotPath string `json:"snapshotPath,omitempty"`
}

func newMemoryStorage(_ context.Context, raw json.RawMessage) (contracts.StoragePlugin, error) {
	var cfg memoryStorageConfig
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	repo := store.NewMemoryStore(store.MemoryOptions{SnapshotPath: cfg.SnapshotPath})
	return &storagePlugin{name: "memory", repo: repo}, nil
}

// ── sqlite ──────────────────────────────────────────────────
// Config: { "path": "./guardio.db" }

type sqliteStorageConfig struct {
	Path string `json:"path,omitempty"`
}

func newSQLiteStorage(ctx context.Context, raw json.RawMessage) (contracts.StoragePlugin, error) {
	cfg := sqliteStorageConfig{Path: "guardio.db"}
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	repo, err := store.NewSQLiteStore(ctx, cfg.Path)
	if err != nil {
		return nil, err
	}
	return &storagePlugin{name: "sqlite", repo: repo}, nil
}

// ── postgres ────────────────────────────────────────────────
// Config: { "url": "postgres://...", "maxOpenConns": 25,
//           "maxIdleConns": 5, "connMaxLifetime": "30m" }

type postgresStorageConfig struct {
	URL             string `json:"url"`
	MaxOpenConns    int    `json:"maxOpenConns,omitempty"`
	MaxIdleConns    int    `json:"maxIdleConns,omitempty"`
	ConnMaxLifetime string `json:"connMaxLifetime,omitempty"`
}

func newPostgresStorage(ctx context.Context, raw json.RawMessage) (contracts.StoragePlugin, error) {
	cfg := postgresStorageConfig{MaxOpenConns: 25}
	if err := decodeStrict(raw, &cfg); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("postgres: url is required")
	}
	opts := store.PostgresOptions{
		MaxOpenConns: cfg.MaxOpenConns,
		MaxIdleConns: cfg.MaxIdleConns,
	}
	if cfg.ConnMaxLifetime != "" {
		d, err := time.ParseDuration(cfg.ConnMaxLifetime)
		if err != nil {
			return nil, fmt.Errorf("postgres: connMaxLifetime: %w", err)
		}
		opts.ConnMaxLifetime = d
	}
	repo, err := store.NewPostgresStore(ctx, cfg.URL, opts)
	if err != nil {
		return nil, err
	}
	return &storagePlugin{name: "postgres", repo: repo}, nil
}
