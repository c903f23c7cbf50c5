package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gpt-relay-bot-go/internal/config"
	"github.com/patrickmn/go-cache"
	_ "modernc.org/sqlite"
)

// FileBackend keeps one JSON file per entity under a base directory.
type FileBackend struct {
	dir string
}

func NewFileBackend(dir string) *FileBackend {
	return &FileBackend{dir: dir}
}

func (f *FileBackend) path(entity string) string {
	return filepath.Join(f.dir, filepath.FromSlash(entity)+".json")
}

func (f *FileBackend) Load(ctx context.Context, entity string) (map[string]json.RawMessage, error) {
	content, err := os.ReadFile(f.path(entity))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	data := make(map[string]json.RawMessage)
	if len(strings.TrimSpace(string(content))) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (f *FileBackend) Save(ctx context.Context, entity string, data map[string]json.RawMessage) error {
	path := f.path(entity)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	// write then rename so a crash never leaves a truncated document
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (f *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	dir := filepath.Join(f.dir, filepath.FromSlash(pathDir(prefix)))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entities []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		entity := pathDir(prefix) + strings.TrimSuffix(name, ".json")
		if strings.HasPrefix(entity, prefix) {
			entities = append(entities, entity)
		}
	}
	return entities, nil
}

func (f *FileBackend) Close() error {
	return nil
}

// pathDir returns the directory part of an entity prefix, with trailing slash.
func pathDir(prefix string) string {
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		return prefix[:i+1]
	}
	return ""
}

// MemoryBackend keeps documents in process memory
type MemoryBackend struct {
	docs *cache.Cache
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs: cache.New(cache.NoExpiration, cache.NoExpiration),
	}
}

func (m *MemoryBackend) Load(ctx context.Context, entity string) (map[string]json.RawMessage, error) {
	val, found := m.docs.Get(entity)
	if !found {
		return nil, ErrNotFound
	}
	data := make(map[string]json.RawMessage)
	if err := json.Unmarshal(val.([]byte), &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (m *MemoryBackend) Save(ctx context.Context, entity string, data map[string]json.RawMessage) error {
	content, err := json.Marshal(data)
	if err != nil {
		return err
	}
	m.docs.Set(entity, content, cache.NoExpiration)
	return nil
}

func (m *MemoryBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var entities []string
	for key := range m.docs.Items() {
		if strings.HasPrefix(key, prefix) {
			entities = append(entities, key)
		}
	}
	sort.Strings(entities)
	return entities, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// RedisBackend stores each document as one JSON string under doc:<entity>
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(cfg *config.RedisConfig) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisBackend{client: client}, nil
}

func redisKey(entity string) string {
	return "doc:" + entity
}

func (r *RedisBackend) Load(ctx context.Context, entity string) (map[string]json.RawMessage, error) {
	content, err := r.client.Get(ctx, redisKey(entity)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	data := make(map[string]json.RawMessage)
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisBackend) Save(ctx context.Context, entity string, data map[string]json.RawMessage) error {
	content, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisKey(entity), content, 0).Err()
}

func (r *RedisBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var entities []string
	iter := r.client.Scan(ctx, 0, redisKey(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		entities = append(entities, strings.TrimPrefix(iter.Val(), "doc:"))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(entities)
	return entities, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

// SQLiteBackend stores documents in a single table
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open db at %s: %w", path, err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			entity TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) Load(ctx context.Context, entity string) (map[string]json.RawMessage, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE entity = ?`, entity).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	data := make(map[string]json.RawMessage)
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLiteBackend) Save(ctx context.Context, entity string, data map[string]json.RawMessage) error {
	content, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (entity, body, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(entity) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		entity, string(content), time.Now().Unix())
	return err
}

func (s *SQLiteBackend) List(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity FROM documents WHERE substr(entity, 1, ?) = ? ORDER BY entity`,
		len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []string
	for rows.Next() {
		var entity string
		if err := rows.Scan(&entity); err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	return entities, rows.Err()
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
