package common

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_DefaultsAndEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_URL", "file:docflow.db")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("QUEUE_WORKERS", "6")
	t.Setenv("DRAFT_TTL", "2h")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 6, cfg.Queue.Workers)
	assert.Equal(t, 2*time.Hour, cfg.Draft.TTL)
	assert.Equal(t, ":8080", cfg.Server.GRPCAddr)
	assert.Equal(t, 64<<20, cfg.Server.MaxMessageBytes)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.Empty(t, cfg.Ingest.WatchDir)
	assert.Equal(t, 15*time.Minute, cfg.Recovery.StaleAfter)
	assert.Equal(t, time.Minute, cfg.Recovery.Interval)
}

func TestConfig_Validate(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/docflow")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cases := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"DB_DRIVER": "mysql"}},
		{"minio without endpoint", map[string]string{"STORAGE_BACKEND": "minio"}},
		{"unknown queue", map[string]string{"QUEUE_BACKEND": "kafka"}},
		{"no workers", map[string]string{"QUEUE_WORKERS": "0"}},
		{"watch dir without project", map[string]string{"INGEST_WATCH_DIR": "/srv/inbox"}},
		{"no recovery interval", map[string]string{"RECOVERY_INTERVAL": "0s"}},
		{"stale timeout inside process timeout", map[string]string{"RECOVERY_STALE_AFTER": "2m", "QUEUE_PROCESS_TIMEOUT": "5m"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadConfig()
			require.NoError(t, err)
			err = cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}
