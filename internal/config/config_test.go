package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_MatchesDocumentedDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 50000, cfg.Ingestion.BufferSize)
	assert.Equal(t, 3, cfg.HotPath.MaxRetries)
	assert.Equal(t, 100, cfg.HotPath.PublishThrottleMS)
	assert.Equal(t, 5, cfg.HotPath.PublishBreaker.Threshold)
	assert.Equal(t, 15*time.Second, cfg.HotPath.PublishBreaker.Open)
	assert.Equal(t, 5000, cfg.ColdPath.BulkBatchSize)
	assert.Equal(t, 5*time.Second, cfg.ColdPath.FlushInterval)
	assert.Equal(t, "earliest", cfg.Log.AutoOffsetReset)
	assert.False(t, cfg.Log.EnableAutoCommit)
	assert.Equal(t, 10000, cfg.RefData.CacheSize)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Ingestion, cfg.Ingestion)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "cold_path:\n  bulk_batch_size: 42\nlog:\n  trades_topic: custom.trades\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.ColdPath.BulkBatchSize)
	assert.Equal(t, "custom.trades", cfg.Log.TradesTopic)
	assert.Equal(t, 5*time.Second, cfg.ColdPath.FlushInterval) // untouched field keeps default
}

func TestLoad_EnvOverlayWinsOverFileAndDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  trades_topic: file.trades\n"), 0644))

	t.Setenv("ENGINE_TRADES_TOPIC", "env.trades")
	t.Setenv("ENGINE_MAX_POLL_RECORDS", "250")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env.trades", cfg.Log.TradesTopic)
	assert.Equal(t, 250, cfg.Log.MaxPollRecords)
}
