package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/gpt-relay-bot-go/internal/middleware"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by a backend when an entity has no document yet.
var ErrNotFound = errors.New("document not found")

// Backend persists whole JSON documents keyed by entity name
// (e.g. "db", "user/12345", "user/g678").
type Backend interface {
	Load(ctx context.Context, entity string) (map[string]json.RawMessage, error)
	Save(ctx context.Context, entity string, data map[string]json.RawMessage) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Manager opens documents on top of the configured backend. While a
// document is open every Open of its entity returns the same *Document, so
// all writers share one data map.
type Manager struct {
	backend Backend
	logger  *logrus.Logger
	metrics *middleware.Metrics

	mu   sync.Mutex
	docs map[string]*Document
}

// NewManager creates a storage manager for cfg.Storage.Type
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	var backend Backend

	switch cfg.Storage.Type {
	case "file":
		backend = NewFileBackend(cfg.Storage.Dir)
	case "memory":
		backend = NewMemoryBackend()
	case "redis":
		redisBackend, err := NewRedisBackend(&cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		backend = redisBackend
	case "sqlite":
		sqliteBackend, err := NewSQLiteBackend(cfg.Storage.SQLite.Path)
		if err != nil {
			return nil, err
		}
		backend = sqliteBackend
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	logger.WithField("type", cfg.Storage.Type).Info("Storage initialized")
	return NewManagerWithBackend(backend, logger), nil
}

// NewManagerWithBackend wraps an already constructed backend
func NewManagerWithBackend(backend Backend, logger *logrus.Logger) *Manager {
	return &Manager{
		backend: backend,
		logger:  logger,
		metrics: middleware.NewMetrics(),
		docs:    make(map[string]*Document),
	}
}

// Open loads the document of entity, creating an empty one if none exists.
// An entity that is already open is not read again. Each Open must be
// paired with a Close.
func (m *Manager) Open(ctx context.Context, entity string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if doc, ok := m.docs[entity]; ok {
		doc.refs++
		return doc, nil
	}

	start := time.Now()
	data, err := m.backend.Load(ctx, entity)
	switch {
	case errors.Is(err, ErrNotFound):
		data = make(map[string]json.RawMessage)
	case err != nil:
		m.metrics.RecordStorageOperation("load", "error", time.Since(start))
		return nil, fmt.Errorf("failed to load %s: %w", entity, err)
	}
	m.metrics.RecordStorageOperation("load", "success", time.Since(start))

	doc := &Document{entity: entity, data: data, manager: m, refs: 1}
	m.docs[entity] = doc
	return doc, nil
}

// List returns the entities whose name starts with prefix.
func (m *Manager) List(ctx context.Context, prefix string) ([]string, error) {
	return m.backend.List(ctx, prefix)
}

func (m *Manager) Close() error {
	return m.backend.Close()
}

func (m *Manager) save(ctx context.Context, entity string, data map[string]json.RawMessage) error {
	start := time.Now()
	if err := m.backend.Save(ctx, entity, data); err != nil {
		m.metrics.RecordStorageOperation("save", "error", time.Since(start))
		m.logger.WithError(err).WithField("entity", entity).Error("Failed to save document")
		return fmt.Errorf("failed to save %s: %w", entity, err)
	}
	m.metrics.RecordStorageOperation("save", "success", time.Since(start))
	return nil
}

// Document is one entity's key/value JSON document. Every write is
// persisted before it becomes visible to readers.
type Document struct {
	mu      sync.Mutex
	entity  string
	data    map[string]json.RawMessage
	manager *Manager
	refs    int // guarded by manager.mu
}

// Close releases one Open of the document. Once the last holder is gone
// the next Open reads the entity from the backend again. A closed
// document still reads and writes.
func (d *Document) Close() {
	m := d.manager
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.refs == 0 {
		return
	}
	d.refs--
	if d.refs == 0 && m.docs[d.entity] == d {
		delete(m.docs, d.entity)
	}
}

// Get decodes the value stored under key into dst. It reports false when
// the key is absent or holds null, leaving dst untouched.
func (d *Document) Get(key string, dst any) (bool, error) {
	d.mu.Lock()
	raw, ok := d.data[key]
	d.mu.Unlock()

	if !ok || string(raw) == "null" {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("failed to decode %s.%s: %w", d.entity, key, err)
	}
	return true, nil
}

// Set stores value under key and persists the document.
func (d *Document) Set(ctx context.Context, key string, value any) error {
	return d.Update(ctx, func(tx *Tx) error {
		return tx.Set(key, value)
	})
}

// Delete removes key and persists the document.
func (d *Document) Delete(ctx context.Context, key string) error {
	return d.Update(ctx, func(tx *Tx) error {
		tx.Delete(key)
		return nil
	})
}

// Update applies several writes and saves once. Nothing is applied if fn
// or the save fails.
func (d *Document) Update(ctx context.Context, fn func(tx *Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]json.RawMessage, len(d.data)+1)
	for k, v := range d.data {
		next[k] = v
	}

	if err := fn(&Tx{data: next}); err != nil {
		return err
	}
	if err := d.manager.save(ctx, d.entity, next); err != nil {
		return err
	}

	d.data = next
	return nil
}

// Tx is the mutable view handed to Update
type Tx struct {
	data map[string]json.RawMessage
}

func (tx *Tx) Set(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	tx.data[key] = raw
	return nil
}

func (tx *Tx) Delete(key string) {
	delete(tx.data, key)
}
