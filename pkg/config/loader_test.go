package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigFileName), []byte(content), 0o600))
	return dir
}

func TestInitialize_DefaultsOnly(t *testing.T) {
	cfg, err := Initialize(context.Background(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(50), cfg.Stream.BatchSize)
	assert.Equal(t, int64(3), cfg.Stream.MaxDeliveries)
	assert.Equal(t, int64(15<<20), cfg.Media.MaxBytesPhoto)
	assert.Equal(t, 10, cfg.Album.SearchWindowMinutes)
	assert.Equal(t, float64(14), cfg.Quota.BucketEmergencyGB)
	assert.Equal(t, 4, cfg.Indexing.Concurrency)
	assert.Equal(t, 30, cfg.Graph.PostExpiresDays)
	assert.Equal(t, 1536, cfg.AI.EmbeddingDim)
}

func TestInitialize_FileOverridesDefaults(t *testing.T) {
	dir := writeConfig(t, `
stream:
  batch_size: 10
indexing:
  concurrency: 8
redis:
  addr: redis.internal:6380
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, int64(10), cfg.Stream.BatchSize)
	assert.Equal(t, 8, cfg.Indexing.Concurrency)
	assert.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	// Untouched groups keep their defaults.
	assert.Equal(t, 1000, cfg.Stream.BlockMS)
	assert.Equal(t, 20, cfg.Rate.UserPerMinute)
}

func TestInitialize_EnvExpansion(t *testing.T) {
	t.Setenv("SLUICE_TEST_DB_PASSWORD", "s3cret$pass")

	dir := writeConfig(t, `
database:
  password: "{{.SLUICE_TEST_DB_PASSWORD}}"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "s3cret$pass", cfg.Database.Password)
}

func TestInitialize_InvalidYAML(t *testing.T) {
	dir := writeConfig(t, "stream: [not a mapping")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorContains(t, err, ConfigFileName)
}

func TestInitialize_CrossFieldValidation(t *testing.T) {
	dir := writeConfig(t, `
quota:
  bucket_total_gb: 10
  bucket_emergency_gb: 12
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestExpandEnv_UnsetVariableIsEmpty(t *testing.T) {
	out, err := ExpandEnv([]byte("value: {{.SLUICE_DOES_NOT_EXIST}}"))
	require.NoError(t, err)
	assert.Equal(t, "value: ", string(out))
}

func TestDurationAccessors(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "1s", cfg.Stream.Block().String())
	assert.Equal(t, "1m0s", cfg.Stream.PELMinIdle().String())
	assert.Equal(t, "2m0s", cfg.Media.PhotoTimeout().String())
	assert.Equal(t, "6h0m0s", cfg.Album.StateTTL().String())
	assert.Equal(t, "720h0m0s", cfg.Graph.PostTTL().String())
}
