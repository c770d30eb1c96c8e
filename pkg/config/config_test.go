package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/caseflow/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsDefaultsForMissingOptions(t *testing.T) {
	t.Parallel()

	cfg, err := config.Parse([]byte(`
corePoolSize: 2
maxPoolSize: 4
lockDurationMillis: 60000
jobExecutorActivate: false
sharedStore: true
`))
	require.NoError(t, err)

	defaults := config.Default()
	assert.Equal(t, 2, cfg.CorePoolSize)
	assert.Equal(t, 4, cfg.MaxPoolSize)
	assert.False(t, cfg.JobExecutorActivate)
	assert.True(t, cfg.SharedStore)
	assert.Equal(t, defaults.QueueLength, cfg.QueueLength)
	assert.Equal(t, defaults.CacheCapacity, cfg.CacheCapacity)

	jobs := cfg.JobConfig()
	assert.Equal(t, time.Minute, jobs.LockDuration)
	assert.Equal(t, 5*time.Second, jobs.AcquisitionInterval)
	assert.Len(t, cfg.EngineOptions(), 5)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "defaults"},
		{name: "zero core pool", yaml: "corePoolSize: 0", wantErr: "CorePoolSize"},
		{name: "max below core", yaml: "corePoolSize: 5\nmaxPoolSize: 2", wantErr: "MaxPoolSize"},
		{name: "negative queue", yaml: "queueLength: -1", wantErr: "QueueLength"},
		{name: "zero lock duration", yaml: "lockDurationMillis: 0", wantErr: "LockDuration"},
		{name: "negative retries", yaml: "defaultMaxRetries: -1", wantErr: "DefaultMaxRetries"},
		{name: "backoff max below min", yaml: "backoffMinMillis: 100\nbackoffMaxMillis: 10", wantErr: "BackoffMaxMillis"},
		{name: "zero cache", yaml: "cacheCapacity: 0", wantErr: "CacheCapacity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.Parse([]byte(tt.yaml))
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.True(t, config.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	_, err := config.Parse([]byte("corePoolSize: [1"))
	require.Error(t, err)
	assert.False(t, config.IsValidationError(err))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cacheCapacity: 42\nlockOwner: node-a\n"), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, cfg.CacheCapacity)
	assert.Equal(t, "node-a", cfg.JobConfig().LockOwner)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	cfg, err = config.LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}
