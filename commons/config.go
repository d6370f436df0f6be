package commons

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/xid"
	yaml "gopkg.in/yaml.v2"
)

const (
	LogFilePathPrefixDefault   string = "/tmp/enginepool"
	CacheRootPathPrefixDefault string = "/tmp/enginepool_cache"
	evalCacheFileNameDefault   string = "evals.db"
	cloudCacheFileNameDefault  string = "cloud.db"
)

var (
	instanceID string
)

// getInstanceID returns instance ID
func getInstanceID() string {
	if len(instanceID) == 0 {
		instanceID = xid.New().String()
	}

	return instanceID
}

// GetDefaultLogFilePath returns default log file path
func GetDefaultLogFilePath() string {
	return fmt.Sprintf("%s_%s.log", LogFilePathPrefixDefault, getInstanceID())
}

// GetDefaultCacheRootPath returns default cache root path
func GetDefaultCacheRootPath() string {
	return CacheRootPathPrefixDefault
}

// Duration is a time.Duration that reads "30s", "10m" style strings from YAML and environment
type Duration time.Duration

// UnmarshalYAML parses duration strings or integer seconds
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err == nil {
		return d.Decode(str)
	}

	var seconds int64
	if err := unmarshal(&seconds); err != nil {
		return fmt.Errorf("failed to parse duration - %v", err)
	}

	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// MarshalYAML stringifies the duration
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Decode implements envconfig.Decoder, bare integers are seconds
func (d *Duration) Decode(value string) error {
	value = strings.TrimSpace(value)
	if len(value) == 0 {
		*d = 0
		return nil
	}

	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("failed to parse duration %q - %v", value, err)
	}

	*d = Duration(parsed)
	return nil
}

// EngineConfig describes one analysis engine the service can pool
type EngineConfig struct {
	Name         string   `yaml:"name" json:"name"`
	Path         string   `yaml:"path" json:"path"`
	Args         []string `yaml:"args,omitempty" json:"args,omitempty"`
	InitCommands []string `yaml:"init_commands,omitempty" json:"init_commands,omitempty"`
	Workers      int      `yaml:"workers,omitempty" json:"workers,omitempty"`
}

// CacheConfig configures one tiered cache
type CacheConfig struct {
	Path             string  `envconfig:"PATH" yaml:"path"`
	MaxBytes         int64   `envconfig:"MAX_BYTES" yaml:"max_bytes"`
	EvictionFraction float64 `envconfig:"EVICTION_FRACTION" yaml:"eviction_fraction"`
	VolatileEntries  int     `envconfig:"VOLATILE_ENTRIES" yaml:"volatile_entries"`
	QuotaBytes       int64   `envconfig:"QUOTA_BYTES" yaml:"quota_bytes,omitempty"`
}

// CloudConfig configures the cloud lookup client
type CloudConfig struct {
	Enabled           bool     `envconfig:"ENABLED" yaml:"enabled"`
	BaseURL           string   `envconfig:"BASE_URL" yaml:"base_url"`
	Timeout           Duration `envconfig:"TIMEOUT" yaml:"timeout"`
	QueueDedupeWindow Duration `envconfig:"QUEUE_DEDUPE_WINDOW" yaml:"queue_dedupe_window"`
}

// Config holds the parameters list which can be configured
type Config struct {
	ServiceEndpoint string `envconfig:"SERVICE_ENDPOINT" yaml:"service_endpoint"`

	Engines []EngineConfig `ignored:"true" yaml:"engines"`
	// EngineName and EnginePath add a single engine from the environment
	EngineName string `envconfig:"ENGINE_NAME" yaml:"-"`
	EnginePath string `envconfig:"ENGINE_PATH" yaml:"-"`

	EngineIdleTimeout Duration `envconfig:"ENGINE_IDLE_TIMEOUT" yaml:"engine_idle_timeout"`
	JobTimeout        Duration `envconfig:"JOB_TIMEOUT" yaml:"job_timeout,omitempty"`

	DefaultDepth   int `envconfig:"DEFAULT_DEPTH" yaml:"default_depth"`
	DefaultLines   int `envconfig:"DEFAULT_LINES" yaml:"default_lines"`
	DefaultThreads int `envconfig:"DEFAULT_THREADS" yaml:"default_threads"`
	DefaultHashMB  int `envconfig:"DEFAULT_HASH_MB" yaml:"default_hash_mb"`

	EvalCache  CacheConfig `envconfig:"EVAL_CACHE" yaml:"eval_cache"`
	CloudCache CacheConfig `envconfig:"CLOUD_CACHE" yaml:"cloud_cache"`
	Cloud      CloudConfig `envconfig:"CLOUD" yaml:"cloud"`

	CacheReportSchedule string `envconfig:"CACHE_REPORT_SCHEDULE" yaml:"cache_report_schedule"`

	LogPath string `envconfig:"LOG_PATH" yaml:"log_path,omitempty"`

	Profile                bool `envconfig:"PROFILE" yaml:"profile,omitempty"`
	ProfileServicePort     int  `envconfig:"PROFILE_SERVICE_PORT" yaml:"profile_service_port,omitempty"`
	PrometheusExporterPort int  `envconfig:"PROMETHEUS_EXPORTER_PORT" yaml:"prometheus_exporter_port,omitempty"`

	Foreground   bool `yaml:"foreground,omitempty"`
	Debug        bool `envconfig:"DEBUG" yaml:"debug,omitempty"`
	ChildProcess bool `ignored:"true" yaml:"childprocess,omitempty"`

	InstanceID string `ignored:"true" yaml:"instanceid,omitempty"`
}

// NewDefaultConfig creates DefaultConfig
func NewDefaultConfig() *Config {
	cacheRoot := GetDefaultCacheRootPath()

	return &Config{
		ServiceEndpoint: ServiceEndpointDefault,

		Engines: []EngineConfig{},

		EngineIdleTimeout: Duration(EngineIdleTimeoutDefault),
		JobTimeout:        0,

		DefaultDepth:   DefaultDepth,
		DefaultLines:   DefaultLines,
		DefaultThreads: DefaultThreads,
		DefaultHashMB:  DefaultHashMB,

		EvalCache: CacheConfig{
			Path:             filepath.Join(cacheRoot, evalCacheFileNameDefault),
			MaxBytes:         EvalCacheSizeMaxDefault,
			EvictionFraction: EvictionFractionDefault,
			VolatileEntries:  VolatileEntriesDefault,
		},
		CloudCache: CacheConfig{
			Path:             filepath.Join(cacheRoot, cloudCacheFileNameDefault),
			MaxBytes:         CloudCacheSizeMaxDefault,
			EvictionFraction: EvictionFractionDefault,
			VolatileEntries:  VolatileEntriesDefault,
		},
		Cloud: CloudConfig{
			Enabled:           false,
			BaseURL:           CloudBaseURLDefault,
			Timeout:           Duration(CloudTimeoutDefault),
			QueueDedupeWindow: Duration(CloudQueueDedupeWindowDefault),
		},

		CacheReportSchedule: CacheReportScheduleDefault,

		LogPath: "",

		Profile:                false,
		ProfileServicePort:     ProfileServicePortDefault,
		PrometheusExporterPort: PrometheusExporterPortDefault,

		Foreground:   false,
		Debug:        false,
		ChildProcess: false,

		InstanceID: getInstanceID(),
	}
}

// NewConfigFromYAML creates Config from YAML
func NewConfigFromYAML(yamlBytes []byte) (*Config, error) {
	config := NewDefaultConfig()

	err := yaml.Unmarshal(yamlBytes, config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML - %v", err)
	}

	return config, nil
}

// NewConfigFromENV creates Config from Environmental Variables, on top of the given config
func NewConfigFromENV(base *Config) (*Config, error) {
	config := base
	if config == nil {
		config = NewDefaultConfig()
	}

	err := envconfig.Process(EnvPrefix, config)
	if err != nil {
		return nil, fmt.Errorf("failed to read environmental variables - %v", err)
	}

	if len(config.EnginePath) > 0 {
		name := config.EngineName
		if len(name) == 0 {
			name = filepath.Base(config.EnginePath)
		}

		if config.GetEngine(name) == nil {
			config.Engines = append(config.Engines, EngineConfig{
				Name: name,
				Path: config.EnginePath,
			})
		}
	}

	return config, nil
}

// ToYAML marshals the config
func (config *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(config)
}

// GetEngine returns the engine config of the given name, nil if not configured
func (config *Config) GetEngine(name string) *EngineConfig {
	for idx := range config.Engines {
		if config.Engines[idx].Name == name {
			return &config.Engines[idx]
		}
	}
	return nil
}

// GetLogFilePath returns log file path
func (config *Config) GetLogFilePath() string {
	if config.LogPath == "-" {
		return ""
	}
	return config.LogPath
}

// MakeWorkDirs makes dirs required
func (config *Config) MakeWorkDirs() error {
	for _, cachePath := range []string{config.EvalCache.Path, config.CloudCache.Path} {
		if len(cachePath) == 0 {
			continue
		}

		err := os.MkdirAll(filepath.Dir(cachePath), 0700)
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate validates configuration
func (config *Config) Validate() error {
	if len(config.ServiceEndpoint) == 0 {
		return NewConfigurationError("service endpoint must be given")
	}

	if _, _, err := ParsePoolServiceEndpoint(config.ServiceEndpoint); err != nil {
		return NewConfigurationError(err.Error())
	}

	if len(config.Engines) == 0 {
		return NewConfigurationError("at least one engine must be given")
	}

	names := map[string]bool{}
	for _, engine := range config.Engines {
		if len(engine.Name) == 0 {
			return NewConfigurationError("engine name must be given")
		}

		if len(engine.Path) == 0 {
			return NewConfigurationError(fmt.Sprintf("engine path must be given for engine %q", engine.Name))
		}

		if names[engine.Name] {
			return NewConfigurationError(fmt.Sprintf("engine %q is configured more than once", engine.Name))
		}
		names[engine.Name] = true
	}

	for name, cacheConfig := range map[string]CacheConfig{"eval_cache": config.EvalCache, "cloud_cache": config.CloudCache} {
		if cacheConfig.MaxBytes <= 0 {
			return NewConfigurationError(fmt.Sprintf("%s max bytes must be positive", name))
		}

		if cacheConfig.EvictionFraction <= 0 || cacheConfig.EvictionFraction > 1 {
			return NewConfigurationError(fmt.Sprintf("%s eviction fraction must be in (0, 1]", name))
		}
	}

	if config.DefaultDepth <= 0 {
		return NewConfigurationError("default depth must be positive")
	}

	if config.DefaultLines <= 0 {
		return NewConfigurationError("default lines must be positive")
	}

	if config.Profile && config.ProfileServicePort <= 0 {
		return NewConfigurationError("profile service port must be given")
	}

	return nil
}
