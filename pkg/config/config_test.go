package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

const baseConfig = `
global:
  log_level: info
server:
  listen: ":9000"
database:
  driver: sqlite
  sqlite:
    path: ./test.db
identity:
  session_ttl: 12h
  subjects:
    - username: alice
      password: secret
catalog:
  dir: ./experiments
liveness:
  keep_alive_window: 3m
  grace_period: 90s
`

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, baseConfig)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Global.LogLevel)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./test.db", cfg.Database.SQLite.Path)
	assert.Equal(t, "./experiments", cfg.Catalog.Dir)
	require.Len(t, cfg.Identity.Subjects, 1)
	assert.Equal(t, "alice", cfg.Identity.Subjects[0].Username)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, baseConfig)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9000", cfg.Server.Listen)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"PRESENTOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "string override - listen",
			envVars: map[string]string{
				"PRESENTOOR_SERVER_LISTEN": ":9999",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":9999", cfg.Server.Listen)
			},
		},
		{
			name: "string override - sqlite path",
			envVars: map[string]string{
				"PRESENTOOR_DATABASE_SQLITE_PATH": "/tmp/override.db",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "/tmp/override.db", cfg.Database.SQLite.Path)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	configPath := writeConfig(t, `
catalog:
  dir: ./experiments
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "./presentoor.db", cfg.Database.SQLite.Path)
	assert.Equal(t, DefaultIdentityCookie, cfg.Identity.IdentityCookie)
	assert.Equal(t, DefaultLiveCookie, cfg.Identity.LiveCookie)
	assert.Equal(t, 24*time.Hour, cfg.Identity.SessionTTLDuration())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(cfg *Config) {},
		},
		{
			name: "unknown driver",
			mutate: func(cfg *Config) {
				cfg.Database.Driver = "oracle"
			},
			wantErr: "unsupported database driver",
		},
		{
			name: "missing catalog dir",
			mutate: func(cfg *Config) {
				cfg.Catalog.Dir = ""
			},
			wantErr: "catalog.dir is required",
		},
		{
			name: "bad session ttl",
			mutate: func(cfg *Config) {
				cfg.Identity.SessionTTL = "soon"
			},
			wantErr: "session_ttl",
		},
		{
			name: "bad liveness duration",
			mutate: func(cfg *Config) {
				cfg.Liveness.GracePeriod = "whenever"
			},
			wantErr: "grace_period",
		},
		{
			name: "duplicate subject",
			mutate: func(cfg *Config) {
				cfg.Identity.Subjects = append(
					cfg.Identity.Subjects,
					SubjectConfig{Username: "alice", Password: "x"},
				)
			},
			wantErr: "duplicate username",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, baseConfig))
			require.NoError(t, err)

			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLivenessDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Minute, cfg.Liveness.KeepAliveWindowDuration())
	assert.Equal(t, 90*time.Second, cfg.Liveness.GracePeriodDuration())

	// Unset values fall back to defaults.
	assert.Equal(t, DefaultFlagInterval, cfg.Liveness.FlagIntervalDuration())
	assert.Equal(t, DefaultPurgeInterval, cfg.Liveness.PurgeIntervalDuration())
}
