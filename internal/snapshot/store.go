package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNoSnapshot is returned by Load when nothing has been saved yet.
var ErrNoSnapshot = errors.New("snapshot: no document stored")

// Store persists one encoded document.
type Store interface {
	Save(ctx context.Context, data []byte) error
	Load(ctx context.Context) ([]byte, error)
	Name() string
}

// FileStore writes the document to a path with an atomic rename.
type FileStore struct {
	Path string
}

// NewFileStore returns a store rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// Name implements Store.
func (s *FileStore) Name() string { return "file" }

// Save writes data to a sibling temp file, syncs it and renames it over Path.
func (s *FileStore) Save(_ context.Context, data []byte) error {
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp := s.Path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp snapshot: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp, s.Path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	// Persist the rename itself.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

// Load reads the document, or ErrNoSnapshot when the file does not exist.
func (s *FileStore) Load(_ context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// RedisStore keeps the document under a single key.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore returns a store writing to key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

// Name implements Store.
func (s *RedisStore) Name() string { return "redis" }

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return data, nil
}

// Record is the single row holding the document in SQL backends.
type Record struct {
	ID      uint   `gorm:"primaryKey;autoIncrement:false"`
	Data    []byte `gorm:"not null"`
	SavedAt time.Time
}

// TableName pins the table name.
func (Record) TableName() string { return "snapshots" }

const recordID = 1

// SQLStore upserts the document into the snapshots table.
type SQLStore struct {
	db      *gorm.DB
	backend string
	now     func() time.Time
}

// NewSQLStore migrates the snapshots table and returns a store over db.
// backend is the reported store name (sqlite or postgres).
func NewSQLStore(db *gorm.DB, backend string) (*SQLStore, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("failed to migrate snapshots table: %w", err)
	}
	return &SQLStore{db: db, backend: backend, now: time.Now}, nil
}

// Name implements Store.
func (s *SQLStore) Name() string { return s.backend }

// Save implements Store.
func (s *SQLStore) Save(ctx context.Context, data []byte) error {
	rec := Record{ID: recordID, Data: data, SavedAt: s.now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "saved_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *SQLStore) Load(ctx context.Context) ([]byte, error) {
	var rec Record
	err := s.db.WithContext(ctx).First(&rec, recordID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return rec.Data, nil
}
