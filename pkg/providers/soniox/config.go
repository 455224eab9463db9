package soniox

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
)

const (
	DefaultURL        = "wss://stt-rt.soniox.com/transcribe-websocket"
	DefaultModel      = "stt-rt-preview"
	DefaultLanguage   = "auto"
	DefaultSampleRate = 16000

	// EnvAPIKey is read when Config.APIKey is empty.
	EnvAPIKey = "SONIOX_API_KEY"

	minAPIKeyLen = 10
)

// Config configures the Soniox real-time client. Start from DefaultConfig so
// the boolean defaults are set.
type Config struct {
	APIKey     string `mapstructure:"api_key"`
	URL        string `mapstructure:"url"`
	Model      string `mapstructure:"model"`
	Language   string `mapstructure:"language"`
	SampleRate int    `mapstructure:"sample_rate"`

	InterimResults bool `mapstructure:"interim_results"`
	// Punctuate is accepted for parity with other providers. Soniox models
	// always punctuate.
	Punctuate bool `mapstructure:"punctuate"`
	Diarize   bool `mapstructure:"diarize"`

	// Timeout bounds connect, handshake and each write.
	Timeout             time.Duration `mapstructure:"timeout"`
	PingInterval        time.Duration `mapstructure:"ping_interval"`
	PingTimeout         time.Duration `mapstructure:"ping_timeout"`
	InitialResponseWait time.Duration `mapstructure:"initial_response_wait"`
	RecognizeWait       time.Duration `mapstructure:"recognize_wait"`

	IngestBuffer int  `mapstructure:"ingest_buffer"`
	EventBuffer  int  `mapstructure:"event_buffer"`
	ReferenceID  bool `mapstructure:"reference_id"`

	// BreakerThreshold rate limited connects in a row open the breaker for
	// BreakerCooldown.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`

	Logger   *slog.Logger     `mapstructure:"-"`
	Observer metrics.Observer `mapstructure:"-"`
}

func DefaultConfig() Config {
	return Config{
		URL:              DefaultURL,
		Model:            DefaultModel,
		Language:         DefaultLanguage,
		SampleRate:       DefaultSampleRate,
		InterimResults:   true,
		Punctuate:        true,
		Timeout:          30 * time.Second,
		PingInterval:     20 * time.Second,
		PingTimeout:      10 * time.Second,
		RecognizeWait:    5 * time.Second,
		IngestBuffer:     256,
		EventBuffer:      256,
		ReferenceID:      true,
		BreakerThreshold: 3,
		BreakerCooldown:  30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.URL) == "" {
		c.URL = def.URL
	}
	if strings.TrimSpace(c.Model) == "" {
		c.Model = def.Model
	}
	c.Language = normalizeLanguage(c.Language)
	if c.SampleRate <= 0 {
		c.SampleRate = def.SampleRate
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.PingInterval > 0 && c.PingTimeout <= 0 {
		c.PingTimeout = def.PingTimeout
	}
	if c.RecognizeWait <= 0 {
		c.RecognizeWait = def.RecognizeWait
	}
	if c.IngestBuffer <= 0 {
		c.IngestBuffer = def.IngestBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = def.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = def.BreakerCooldown
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Observer == nil {
		c.Observer = metrics.NoopObserver{}
	}
	return c
}

// resolve applies defaults, reads the credential from the environment when
// needed and validates it.
func (c Config) resolve() (Config, error) {
	c = c.withDefaults()
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.APIKey == "" {
		c.APIKey = strings.TrimSpace(os.Getenv(EnvAPIKey))
	}
	if c.APIKey == "" {
		return c, errorsx.Wrap(fmt.Errorf("%w: soniox api key is required (set %s)", stt.ErrConfiguration, EnvAPIKey), errorsx.ReasonSTTConfig)
	}
	if len(c.APIKey) < minAPIKeyLen {
		return c, errorsx.Wrap(fmt.Errorf("%w: soniox api key is too short", stt.ErrConfiguration), errorsx.ReasonSTTConfig)
	}
	if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		return c, errorsx.Wrap(fmt.Errorf("%w: soniox url must be ws:// or wss://", stt.ErrConfiguration), errorsx.ReasonSTTConfig)
	}
	return c, nil
}

func normalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if lang == "" {
		return DefaultLanguage
	}
	return lang
}
