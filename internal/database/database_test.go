package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"coldroom/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestPostgresDSN_DefaultsSSLMode(t *testing.T) {
	cfg := &config.Config{
		DBHost:     "db",
		DBPort:     "5432",
		DBUser:     "u",
		DBPassword: "p",
		DBName:     "coldroom",
	}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=coldroom sslmode=disable", PostgresDSN(cfg))
}

func TestConnect_SQLiteCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	db, err := Connect(&config.Config{SnapshotBackend: "sqlite", DataFile: path})
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, db.Exec("SELECT 1").Error)
	assert.FileExists(t, path)
}

func TestConnect_FileBackendHasNoDatabase(t *testing.T) {
	_, err := Connect(&config.Config{SnapshotBackend: "file"})
	assert.Error(t, err)
}

func TestCustomGormLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 1 }, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 2", 0 }, errors.New("boom"))
	assert.Contains(t, buf.String(), "GORM query error")

	buf.Reset()
	silent := l.LogMode(logger.Silent)
	silent.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 3", 0 }, errors.New("boom"))
	assert.Empty(t, buf.String())
}
