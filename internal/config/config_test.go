package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "data/artifacts", cfg.Storage.ArtifactRoot)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, int64(512000), cfg.Search.TargetBytes.Bytes())
	assert.Equal(t, 5, cfg.Study.MinutesDefault)
	assert.Equal(t, 10, cfg.Progress.CleanupMinutes)
	assert.Equal(t, 30, cfg.Session.MaxAgeDays)
	assert.Equal(t, 60, cfg.Registry.RateRecoverySeconds)
	assert.Equal(t, 5*time.Minute, cfg.Registry.HealthInterval)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9090
storage:
  artifact_root: /tmp/marketpipe-test
search:
  target_bytes: 1MiB
study:
  minutes_default: 8
providers:
  exa:
    keys:
      - exa-key-1
      - exa-key-2
  gemini:
    keys:
      - gm-key
    model: gemini-2.0-flash
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/marketpipe-test", cfg.Storage.ArtifactRoot)
	assert.Equal(t, int64(1024*1024), cfg.Search.TargetBytes.Bytes())
	assert.Equal(t, 8, cfg.Study.MinutesDefault)
	assert.Equal(t, []string{"exa-key-1", "exa-key-2"}, cfg.Providers.Exa.Keys)
	assert.Equal(t, "gemini-2.0-flash", cfg.Providers.Gemini.Model)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MARKETPIPE_SERVER_PORT", "7070")
	t.Setenv("MARKETPIPE_PROVIDERS_SERPER_KEYS", "sk-1,sk-2,sk-3")
	t.Setenv("MARKETPIPE_STUDY_MINUTES_DEFAULT", "3")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, []string{"sk-1", "sk-2", "sk-3"}, cfg.Providers.Serper.Keys)
	assert.Equal(t, 3, cfg.Study.MinutesDefault)
}

func TestLoadExtendedDurations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  conn_max_lifetime: 1d
registry:
  health_interval: 90m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 24*time.Hour, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, 90*time.Minute, cfg.Registry.HealthInterval)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "bad driver",
			mutate:  func(c *Config) { c.Database.Driver = "oracle" },
			wantErr: "database.driver",
		},
		{
			name:    "missing artifact root",
			mutate:  func(c *Config) { c.Storage.ArtifactRoot = "" },
			wantErr: "storage.artifact_root",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "trace" },
			wantErr: "logging.level",
		},
		{
			name:    "study minutes too low",
			mutate:  func(c *Config) { c.Study.MinutesDefault = 1 },
			wantErr: "study.minutes_default",
		},
		{
			name:    "study minutes too high",
			mutate:  func(c *Config) { c.Study.MinutesDefault = 11 },
			wantErr: "study.minutes_default",
		},
		{
			name:    "zero target bytes",
			mutate:  func(c *Config) { c.Search.TargetBytes = 0 },
			wantErr: "search.target_bytes",
		},
		{
			name:    "zero recovery",
			mutate:  func(c *Config) { c.Registry.RateRecoverySeconds = 0 },
			wantErr: "registry.rate_recovery_seconds",
		},
		{
			name:    "zero cleanup",
			mutate:  func(c *Config) { c.Progress.CleanupMinutes = 0 },
			wantErr: "progress.cleanup_minutes",
		},
		{
			name:    "zero max age",
			mutate:  func(c *Config) { c.Session.MaxAgeDays = 0 },
			wantErr: "session.max_age_days",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestProvidersByClass(t *testing.T) {
	var p ProvidersConfig
	p.Exa.Keys = []string{"k1"}
	p.Gemini.Keys = []string{"k2", "k3"}

	byClass := p.ByClass()
	assert.Len(t, byClass, len(CapabilityClasses))
	assert.True(t, byClass["exa"].Configured())
	assert.False(t, byClass["serper"].Configured())

	classes := p.ConfiguredClasses()
	assert.Equal(t, []string{"gemini", "exa"}, classes)
}

func TestStudyClampMinutes(t *testing.T) {
	c := StudyConfig{MinutesDefault: 5}

	assert.Equal(t, 5, c.ClampMinutes(0))
	assert.Equal(t, 5, c.ClampMinutes(-3))
	assert.Equal(t, 2, c.ClampMinutes(1))
	assert.Equal(t, 7, c.ClampMinutes(7))
	assert.Equal(t, 10, c.ClampMinutes(45))
}

func TestDurationHelpers(t *testing.T) {
	assert.Equal(t, 90*time.Second, RegistryConfig{RateRecoverySeconds: 90}.RateRecovery())
	assert.Equal(t, 10*time.Minute, ProgressConfig{CleanupMinutes: 10}.CleanupGrace())
	assert.Equal(t, 72*time.Hour, SessionConfig{MaxAgeDays: 3}.MaxAge())
}

func TestServerAddress(t *testing.T) {
	c := ServerConfig{Host: "127.0.0.1", Port: 8080}
	assert.Equal(t, "127.0.0.1:8080", c.Address())
}

func TestArchivePath(t *testing.T) {
	c := StorageConfig{ArtifactRoot: "/data"}
	assert.Equal(t, filepath.Join("/data", "archive"), c.ArchivePath())

	c.ArchiveDir = "/archives"
	assert.Equal(t, "/archives", c.ArchivePath())
}

func TestByteSizeUnmarshal(t *testing.T) {
	var b ByteSize

	require.NoError(t, b.UnmarshalText([]byte("500KiB")))
	assert.Equal(t, int64(512000), b.Bytes())

	require.NoError(t, b.UnmarshalJSON([]byte(`1048576`)))
	assert.Equal(t, int64(1<<20), b.Bytes())

	require.NoError(t, b.UnmarshalJSON([]byte(`"2KiB"`)))
	assert.Equal(t, int64(2048), b.Bytes())

	assert.Error(t, b.UnmarshalJSON([]byte(`true`)))
	assert.Error(t, b.UnmarshalText([]byte("ten bytes")))
}
