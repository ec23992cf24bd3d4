package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 30, cfg.Approval.DefaultTimelineDays)
	assert.Equal(t, "none", cfg.Notify.Relay)
	assert.False(t, cfg.Auth.AllowActorHeader)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9000\napproval:\n  default_timeline_days: 14\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, 14, cfg.Approval.DefaultTimelineDays)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown driver":       "database:\n  driver: mysql\n",
		"postgres without dsn": "database:\n  driver: postgres\n",
		"relative base path":   "server:\n  base_path: v1\n",
		"zero timeline":        "approval:\n  default_timeline_days: 0\n",
		"unknown relay":        "notify:\n  relay: smoke\n",
		"kafka without topic":  "notify:\n  relay: kafka\n  kafka:\n    brokers: [\"k:9092\"]\n    topic: \"\"\n",
		"bad log format":       "logging:\n  format: xml\n",
		"bad log level":        "logging:\n  level: loud\n",
		"not yaml":             "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	ws := t.TempDir()
	cfg, err := Load(ws)
	require.NoError(t, err)
	assert.Equal(t, ws, cfg.Database.Workspace)

	require.NoError(t, os.WriteFile(filepath.Join(ws, "sm.yml"), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(ws)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, filepath.Join(ws, "sm.yml"), Path(ws))
}
