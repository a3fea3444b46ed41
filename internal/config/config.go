// Package config provides configuration management for marketpipe using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/jmylchreest/marketpipe/pkg/duration"
)

// Default configuration values.
const (
	defaultServerPort      = 8080
	defaultServerTimeout   = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second

	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxIdleTime = 30 * time.Minute

	defaultArtifactRoot = "data/artifacts"

	defaultRateRecoverySeconds = 60
	defaultWindowLimit         = 60
	defaultHealthInterval      = 5 * time.Minute

	defaultAITimeout         = 120 * time.Second
	defaultMaxToolIterations = 5

	defaultTargetBytes     = 512000 // 500 KiB
	defaultStreamDelay     = 500 * time.Millisecond
	defaultSearchTimeout   = 20 * time.Second
	defaultFetchTimeout    = 30 * time.Second
	defaultMaxVariants     = 40
	defaultStudyMinutes    = 5
	defaultCleanupMinutes  = 10
	defaultSessionAgeDays  = 30
	defaultReportMinPages  = 5
	defaultRegistrySweep   = "@every 5m"
	defaultSessionSweep    = "0 0 3 * * *"
	defaultProgressSweep   = "@every 1m"
	defaultStudyMinMinutes = 2
	defaultStudyMaxMinutes = 10
)

// CapabilityClasses is the closed set of provider capability classes.
var CapabilityClasses = []string{
	"qwen-compatible", "gemini", "openai", "groq", "deepseek",
	"jina-read", "exa", "serper", "serpapi", "tavily",
	"supadata", "firecrawl", "scrapingant", "youtube", "rapidapi",
}

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	AI        AIConfig        `mapstructure:"ai"`
	Search    SearchConfig    `mapstructure:"search"`
	Study     StudyConfig     `mapstructure:"study"`
	Report    ReportConfig    `mapstructure:"report"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Session   SessionConfig   `mapstructure:"session"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds execution journal database configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds artifact storage configuration.
type StorageConfig struct {
	// ArtifactRoot is the base directory for all durable session state:
	// stage artifacts, error records, session files, and reports.
	ArtifactRoot string `mapstructure:"artifact_root"`
	// ArchiveDir receives compressed session archives from the age sweep.
	// Empty means {artifact_root}/archive.
	ArchiveDir string `mapstructure:"archive_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// ProviderCredentials holds the credentials and overrides for one capability
// class. Zero keys means the class has no endpoints; the system runs with any
// non-empty subset of classes.
type ProviderCredentials struct {
	Keys    []string `mapstructure:"keys"`
	BaseURL string   `mapstructure:"base_url"`
	Model   string   `mapstructure:"model"`
}

// Configured returns true if at least one key is present.
func (p ProviderCredentials) Configured() bool {
	return len(p.Keys) > 0
}

// ProvidersConfig holds per-capability-class credentials.
type ProvidersConfig struct {
	QwenCompatible ProviderCredentials `mapstructure:"qwen_compatible"`
	Gemini         ProviderCredentials `mapstructure:"gemini"`
	OpenAI         ProviderCredentials `mapstructure:"openai"`
	Groq           ProviderCredentials `mapstructure:"groq"`
	DeepSeek       ProviderCredentials `mapstructure:"deepseek"`
	JinaRead       ProviderCredentials `mapstructure:"jina_read"`
	Exa            ProviderCredentials `mapstructure:"exa"`
	Serper         ProviderCredentials `mapstructure:"serper"`
	SerpAPI        ProviderCredentials `mapstructure:"serpapi"`
	Tavily         ProviderCredentials `mapstructure:"tavily"`
	Supadata       ProviderCredentials `mapstructure:"supadata"`
	Firecrawl      ProviderCredentials `mapstructure:"firecrawl"`
	ScrapingAnt    ProviderCredentials `mapstructure:"scrapingant"`
	YouTube        ProviderCredentials `mapstructure:"youtube"`
	RapidAPI       ProviderCredentials `mapstructure:"rapidapi"`
}

// ByClass returns the credentials keyed by capability class name.
func (p *ProvidersConfig) ByClass() map[string]ProviderCredentials {
	return map[string]ProviderCredentials{
		"qwen-compatible": p.QwenCompatible,
		"gemini":          p.Gemini,
		"openai":          p.OpenAI,
		"groq":            p.Groq,
		"deepseek":        p.DeepSeek,
		"jina-read":       p.JinaRead,
		"exa":             p.Exa,
		"serper":          p.Serper,
		"serpapi":         p.SerpAPI,
		"tavily":          p.Tavily,
		"supadata":        p.Supadata,
		"firecrawl":       p.Firecrawl,
		"scrapingant":     p.ScrapingAnt,
		"youtube":         p.YouTube,
		"rapidapi":        p.RapidAPI,
	}
}

// ConfiguredClasses returns the capability classes with at least one key,
// in the canonical class order.
func (p *ProvidersConfig) ConfiguredClasses() []string {
	byClass := p.ByClass()
	var classes []string
	for _, class := range CapabilityClasses {
		if byClass[class].Configured() {
			classes = append(classes, class)
		}
	}
	return classes
}

// RegistryConfig holds provider registry tuning.
type RegistryConfig struct {
	// RateRecoverySeconds is how long an errored endpoint stays out of
	// rotation before its recovery timer restores it.
	RateRecoverySeconds int `mapstructure:"rate_recovery_seconds"`
	// WindowLimit is the default max requests per one-minute window.
	WindowLimit int `mapstructure:"window_limit"`
	// HealthInterval is the period of the registry health pass.
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// RateRecovery returns the recovery interval as a duration.
func (c RegistryConfig) RateRecovery() time.Duration {
	return time.Duration(c.RateRecoverySeconds) * time.Second
}

// AIConfig holds AI invocation tuning.
type AIConfig struct {
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MaxToolIterations int           `mapstructure:"max_tool_iterations"`
	// EnableLiveSearch allows the study phase to issue live searches
	// through the tool loop when a tools-capable provider is available.
	EnableLiveSearch bool `mapstructure:"enable_live_search"`
}

// SearchConfig holds collection stage tuning.
type SearchConfig struct {
	// TargetBytes is the corpus byte floor; smaller corpora are expanded
	// synthetically until this size is met.
	TargetBytes    ByteSize      `mapstructure:"target_bytes"`
	StreamDelay    time.Duration `mapstructure:"stream_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	MaxVariants    int           `mapstructure:"max_variants"`
}

// StudyConfig holds study stage tuning.
type StudyConfig struct {
	// MinutesDefault is the default study time budget in minutes,
	// clamped to [2, 10].
	MinutesDefault int `mapstructure:"minutes_default"`
}

// ClampMinutes clamps a requested study budget to the supported range,
// substituting the configured default for non-positive requests.
func (c StudyConfig) ClampMinutes(requested int) int {
	if requested <= 0 {
		requested = c.MinutesDefault
	}
	if requested < defaultStudyMinMinutes {
		return defaultStudyMinMinutes
	}
	if requested > defaultStudyMaxMinutes {
		return defaultStudyMaxMinutes
	}
	return requested
}

// ReportConfig holds report compilation tuning.
type ReportConfig struct {
	// MinPages is the floor for the estimated page count in report stats.
	MinPages int `mapstructure:"min_pages"`
	// ModuleManifest optionally overrides the embedded module order manifest.
	ModuleManifest string `mapstructure:"module_manifest"`
}

// ProgressConfig holds progress fabric tuning.
type ProgressConfig struct {
	// CleanupMinutes is the grace period before a completed progress
	// session is evicted.
	CleanupMinutes int `mapstructure:"cleanup_minutes"`
}

// CleanupGrace returns the cleanup grace period as a duration.
func (c ProgressConfig) CleanupGrace() time.Duration {
	return time.Duration(c.CleanupMinutes) * time.Minute
}

// SessionConfig holds session retention tuning.
type SessionConfig struct {
	// MaxAgeDays is the age after which the sweep archives and removes
	// session state.
	MaxAgeDays int `mapstructure:"max_age_days"`
	// ArchiveOnSweep writes a compressed archive before removal.
	ArchiveOnSweep bool `mapstructure:"archive_on_sweep"`
}

// MaxAge returns the retention age as a duration.
func (c SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

// SchedulerConfig holds background sweep schedules (6-field cron or @every).
type SchedulerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	RegistryHealth string `mapstructure:"registry_health"`
	SessionSweep   string `mapstructure:"session_sweep"`
	ProgressSweep  string `mapstructure:"progress_sweep"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MARKETPIPE_ and use underscores
// for nesting. Example: MARKETPIPE_PROVIDERS_EXA_KEYS=key1,key2.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/marketpipe")
		v.AddConfigPath("$HOME/.marketpipe")
	}

	v.SetEnvPrefix("MARKETPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine: defaults and env vars carry the load.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// decodeHooks returns the mapstructure hooks used to unmarshal config values:
// duration strings, comma-separated slices, and TextUnmarshaler types
// (ByteSize accepts "500KiB").
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		stringToDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
}

// stringToDurationHookFunc decodes duration strings. Unlike the stock
// mapstructure hook it also accepts day and week units, so retention-style
// settings can be written as "30d" or "2w".
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return duration.Parse(data.(string))
	}
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "marketpipe.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.artifact_root", defaultArtifactRoot)
	v.SetDefault("storage.archive_dir", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Provider defaults: every class present so env-only keys bind.
	for _, class := range CapabilityClasses {
		key := strings.NewReplacer("-", "_").Replace(class)
		v.SetDefault("providers."+key+".keys", []string{})
		v.SetDefault("providers."+key+".base_url", "")
		v.SetDefault("providers."+key+".model", "")
	}

	// Registry defaults
	v.SetDefault("registry.rate_recovery_seconds", defaultRateRecoverySeconds)
	v.SetDefault("registry.window_limit", defaultWindowLimit)
	v.SetDefault("registry.health_interval", defaultHealthInterval)

	// AI defaults
	v.SetDefault("ai.request_timeout", defaultAITimeout)
	v.SetDefault("ai.max_tool_iterations", defaultMaxToolIterations)
	v.SetDefault("ai.enable_live_search", true)

	// Search defaults
	v.SetDefault("search.target_bytes", defaultTargetBytes)
	v.SetDefault("search.stream_delay", defaultStreamDelay)
	v.SetDefault("search.request_timeout", defaultSearchTimeout)
	v.SetDefault("search.fetch_timeout", defaultFetchTimeout)
	v.SetDefault("search.max_variants", defaultMaxVariants)

	// Study defaults
	v.SetDefault("study.minutes_default", defaultStudyMinutes)

	// Report defaults
	v.SetDefault("report.min_pages", defaultReportMinPages)
	v.SetDefault("report.module_manifest", "")

	// Progress defaults
	v.SetDefault("progress.cleanup_minutes", defaultCleanupMinutes)

	// Session defaults
	v.SetDefault("session.max_age_days", defaultSessionAgeDays)
	v.SetDefault("session.archive_on_sweep", true)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.registry_health", defaultRegistrySweep)
	v.SetDefault("scheduler.session_sweep", defaultSessionSweep)
	v.SetDefault("scheduler.progress_sweep", defaultProgressSweep)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.ArtifactRoot == "" {
		return fmt.Errorf("storage.artifact_root is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Registry.RateRecoverySeconds < 1 {
		return fmt.Errorf("registry.rate_recovery_seconds must be at least 1")
	}
	if c.Registry.WindowLimit < 1 {
		return fmt.Errorf("registry.window_limit must be at least 1")
	}

	if c.Search.TargetBytes <= 0 {
		return fmt.Errorf("search.target_bytes must be positive")
	}
	if c.Search.MaxVariants < 1 {
		return fmt.Errorf("search.max_variants must be at least 1")
	}

	if c.Study.MinutesDefault < defaultStudyMinMinutes || c.Study.MinutesDefault > defaultStudyMaxMinutes {
		return fmt.Errorf("study.minutes_default must be between %d and %d",
			defaultStudyMinMinutes, defaultStudyMaxMinutes)
	}

	if c.Progress.CleanupMinutes < 1 {
		return fmt.Errorf("progress.cleanup_minutes must be at least 1")
	}

	if c.Session.MaxAgeDays < 1 {
		return fmt.Errorf("session.max_age_days must be at least 1")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ArchivePath returns the archive directory, defaulting under the
// artifact root.
func (c *StorageConfig) ArchivePath() string {
	if c.ArchiveDir != "" {
		return c.ArchiveDir
	}
	return filepath.Join(c.ArtifactRoot, "archive")
}
