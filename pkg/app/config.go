package app

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/harunnryd/ranya-stt/pkg/processors"
	"github.com/harunnryd/ranya-stt/pkg/sinks"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. RANYA_STT_LOG_LEVEL.
const EnvPrefix = "RANYA_STT"

type Config struct {
	Vendors       VendorsConfig                   `mapstructure:"vendors"`
	Languages     LanguageConfig                  `mapstructure:"languages"`
	STT           STTProcessingConfig             `mapstructure:"stt"`
	Audio         AudioConfig                     `mapstructure:"audio"`
	Sinks         SinksConfig                     `mapstructure:"sinks"`
	Metrics       MetricsConfig                   `mapstructure:"metrics"`
	Observability ObservabilityConfig             `mapstructure:"observability"`
	Normalizer    processors.TextNormalizerConfig `mapstructure:"normalizer"`
	Privacy       PrivacyConfig                   `mapstructure:"privacy"`
	Environment   string                          `mapstructure:"environment"`
	LogLevel      string                          `mapstructure:"log_level"`
	LogFormat     string                          `mapstructure:"log_format"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
}

// LanguageConfig selects a different STT vendor per language.
type LanguageConfig struct {
	Default   string                  `mapstructure:"default"`
	Overrides map[string]VendorConfig `mapstructure:"overrides"`
}

type STTProcessingConfig struct {
	ForwardInterim bool `mapstructure:"forward_interim"`
}

type AudioConfig struct {
	ChunkMS    int  `mapstructure:"chunk_ms"`
	Realtime   bool `mapstructure:"realtime"`
	SampleRate int  `mapstructure:"sample_rate"`
	// DrainMS bounds the wait for the last transcripts after the final flush.
	DrainMS    int  `mapstructure:"drain_ms"`
}

type SinksConfig struct {
	Kind      string            `mapstructure:"kind"`
	Path      string            `mapstructure:"path"`
	FinalOnly bool              `mapstructure:"final_only"`
	Kafka     sinks.KafkaConfig `mapstructure:"kafka"`
}

type MetricsConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Addr       string  `mapstructure:"addr"`
	SampleRate float64 `mapstructure:"sample_rate"`
	LogEvents  bool    `mapstructure:"log_events"`
	Buffer     int     `mapstructure:"buffer"`
	JSONLPath  string  `mapstructure:"jsonl_path"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("vendors.stt.provider", "soniox")
	v.SetDefault("languages.default", "auto")
	v.SetDefault("stt.forward_interim", true)
	v.SetDefault("audio.chunk_ms", 100)
	v.SetDefault("audio.realtime", false)
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.drain_ms", 5000)
	v.SetDefault("sinks.kind", "stdout")
	v.SetDefault("sinks.final_only", false)
	v.SetDefault("sinks.kafka.topic_interim", "stt.transcript.interim")
	v.SetDefault("sinks.kafka.topic_final", "stt.transcript.final")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("metrics.sample_rate", 1.0)
	v.SetDefault("metrics.log_events", false)
	v.SetDefault("metrics.buffer", 1024)
	v.SetDefault("metrics.jsonl_path", "")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// LoadConfig reads path (YAML, JSON or TOML by extension) over the defaults.
// An empty path loads defaults and environment overrides only. String values
// are expanded against the environment, so settings may reference
// ${SONIOX_API_KEY}.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	for lang, o := range c.Languages.Overrides {
		if strings.TrimSpace(o.Provider) == "" {
			return fmt.Errorf("languages.overrides.%s.provider is required", lang)
		}
	}
	switch strings.ToLower(c.Sinks.Kind) {
	case "stdout", "file", "kafka", "none":
	default:
		return fmt.Errorf("sinks.kind must be one of [stdout, file, kafka, none], got %s", c.Sinks.Kind)
	}
	if strings.EqualFold(c.Sinks.Kind, "file") && strings.TrimSpace(c.Sinks.Path) == "" {
		return fmt.Errorf("sinks.path is required for the file sink")
	}
	if c.Audio.ChunkMS <= 0 || c.Audio.ChunkMS > 1000 {
		return fmt.Errorf("audio.chunk_ms must be between 1 and 1000, got %d", c.Audio.ChunkMS)
	}
	if c.Metrics.SampleRate < 0 || c.Metrics.SampleRate > 1 {
		return fmt.Errorf("metrics.sample_rate must be between 0 and 1, got %v", c.Metrics.SampleRate)
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	for key, o := range cfg.Languages.Overrides {
		o.Settings = expandSettings(o.Settings)
		cfg.Languages.Overrides[key] = o
	}
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				v.SetMapIndex(key, reflect.ValueOf(os.ExpandEnv(val.String())))
			}
		}
	}
}
