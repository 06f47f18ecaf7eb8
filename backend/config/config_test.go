package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Running.Port)
	assert.True(t, cfg.Redis.Cluster)
	assert.Len(t, cfg.Redis.Addrs, 3)
	assert.Equal(t, 50*time.Millisecond, cfg.Kafka.BaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.Versioning.AutoSaveInterval)
}

func TestLoadFileWithDefaults(t *testing.T) {
	path := writeConfig(t, `
running:
  port: 9000
versioning:
  maxVersions: 3
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Running.Port)
	assert.Equal(t, 3, cfg.Versioning.MaxVersions)
	// 未写的键取默认值
	assert.Equal(t, 30, cfg.Versioning.RetentionDays)
	assert.Equal(t, []string{"127.0.0.1:6379"}, cfg.Redis.Addrs)
	assert.Empty(t, cfg.Mysql.DSN)
	assert.Equal(t, 1024, cfg.Collab.HistoryCap)
	assert.Equal(t, "dev-secret", cfg.Auth.Secret)
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, "running:\n  port: 9000\n")
	t.Setenv("COLLAB_RUNNING_PORT", "9100")
	t.Setenv("COLLAB_LOG_LEVEL", "debug")
	t.Setenv("COLLAB_AUTH_SECRET", "from-the-environment")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Running.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "from-the-environment", cfg.Auth.Secret)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"port":         "running:\n  port: 70000\n",
		"short secret": "auth:\n  secret: abc\n",
		"log level":    "log:\n  level: loud\n",
		"kafka topic":  "kafka:\n  brokers: [\"127.0.0.1:9092\"]\n  topic: \"\"\n",
		"history cap":  "collab:\n  historyCap: 0\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
