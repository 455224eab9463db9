package app

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/configutil"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/processors"
	"github.com/harunnryd/ranya-stt/pkg/providers/deepgram"
	"github.com/harunnryd/ranya-stt/pkg/providers/mock"
	"github.com/harunnryd/ranya-stt/pkg/providers/soniox"
)

// BuildOptions carries the ambient dependencies handed to every session.
type BuildOptions struct {
	TraceID  string
	Logger   *slog.Logger
	Observer metrics.Observer
}

// STTFactoryBuilder turns a vendor block into a session factory. path is the
// config path of the block and prefixes validation errors.
type STTFactoryBuilder func(vendor VendorConfig, path string, opts BuildOptions) (processors.Factory, error)

type ProviderRegistry struct {
	stt map[string]STTFactoryBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{stt: make(map[string]STTFactoryBuilder)}
}

// DefaultRegistry holds the soniox, deepgram and mock providers.
func DefaultRegistry() *ProviderRegistry {
	reg := NewProviderRegistry()
	reg.RegisterSTT("soniox", buildSoniox)
	reg.RegisterSTT("deepgram", buildDeepgram)
	reg.RegisterSTT("mock", buildMock)
	return reg
}

func (r *ProviderRegistry) RegisterSTT(name string, builder STTFactoryBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = builder
}

func (r *ProviderRegistry) Providers() []string {
	out := make([]string, 0, len(r.stt))
	for name := range r.stt {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *ProviderRegistry) BuildSTTFactory(vendor VendorConfig, path string, opts BuildOptions) (processors.Factory, error) {
	fn := r.stt[strings.ToLower(strings.TrimSpace(vendor.Provider))]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", vendor.Provider)
	}
	return fn(vendor, path, opts)
}

// BuildLanguageFactories builds one factory per languages.overrides entry.
// Keys are lower cased to match the language meta of system frames.
func (r *ProviderRegistry) BuildLanguageFactories(cfg Config, opts BuildOptions) (map[string]processors.Factory, error) {
	if len(cfg.Languages.Overrides) == 0 {
		return nil, nil
	}
	out := make(map[string]processors.Factory, len(cfg.Languages.Overrides))
	for lang, vendor := range cfg.Languages.Overrides {
		key := strings.ToLower(strings.TrimSpace(lang))
		f, err := r.BuildSTTFactory(vendor, "languages.overrides."+key+".settings", opts)
		if err != nil {
			return nil, err
		}
		out[key] = f
	}
	return out, nil
}

var sonioxSchema = configutil.Schema{
	Provider: "soniox",
	Optional: []string{
		"api_key", "url", "model", "language", "sample_rate",
		"interim_results", "punctuate", "diarize",
		"timeout", "ping_interval", "ping_timeout", "initial_response_wait", "recognize_wait",
		"ingest_buffer", "event_buffer", "reference_id",
		"breaker_threshold", "breaker_cooldown",
	},
}

// SonioxConfig decodes a soniox vendor block over soniox.DefaultConfig.
func SonioxConfig(vendor VendorConfig, path string, opts BuildOptions) (soniox.Config, error) {
	if err := validateSettings(path, vendor.Settings, sonioxSchema); err != nil {
		return soniox.Config{}, err
	}
	cfg := soniox.DefaultConfig()
	if err := configutil.DecodeSettings(vendor.Settings, &cfg); err != nil {
		return soniox.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Logger = opts.Logger
	cfg.Observer = opts.Observer
	return cfg, nil
}

// NewSoniox builds the soniox client directly, e.g. for one-shot Recognize.
func NewSoniox(vendor VendorConfig, path string, opts BuildOptions) (*soniox.STT, error) {
	cfg, err := SonioxConfig(vendor, path, opts)
	if err != nil {
		return nil, err
	}
	return soniox.New(cfg)
}

func buildSoniox(vendor VendorConfig, path string, opts BuildOptions) (processors.Factory, error) {
	client, err := NewSoniox(vendor, path, opts)
	if err != nil {
		return nil, err
	}
	traceID := opts.TraceID
	return func(callSID, streamID string) stt.StreamingSTT {
		return client.Stream(
			soniox.WithStreamID(streamID),
			soniox.WithCallSID(callSID),
			soniox.WithTraceID(traceID),
		)
	}, nil
}

type deepgramSettings struct {
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	Language       string `mapstructure:"language"`
	SampleRate     int    `mapstructure:"sample_rate"`
	Encoding       string `mapstructure:"encoding"`
	Interim        *bool  `mapstructure:"interim_results"`
	Punctuate      *bool  `mapstructure:"punctuate"`
	Diarize        *bool  `mapstructure:"diarize"`
	VADEvents      *bool  `mapstructure:"vad_events"`
	UtteranceEndMS *int   `mapstructure:"utterance_end_ms"`
}

func buildDeepgram(vendor VendorConfig, path string, opts BuildOptions) (processors.Factory, error) {
	if err := validateSettings(path, vendor.Settings, configutil.Schema{
		Provider: "deepgram",
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "sample_rate", "encoding", "interim_results", "punctuate", "diarize", "vad_events", "utterance_end_ms"},
	}); err != nil {
		return nil, err
	}
	var settings deepgramSettings
	if err := configutil.DecodeSettings(vendor.Settings, &settings); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := configutil.RequireString(settings.APIKey, path+".api_key"); err != nil {
		return nil, err
	}
	if settings.Encoding == "" {
		settings.Encoding = "linear16"
	}
	if !validDeepgramEncoding(settings.Encoding) {
		return nil, fmt.Errorf("%s.encoding must be one of [linear16, mulaw], got %s", path, settings.Encoding)
	}
	utteranceEnd := configutil.IntValue(settings.UtteranceEndMS, 1000)
	if utteranceEnd < 0 || utteranceEnd > 5000 {
		return nil, fmt.Errorf("%s.utterance_end_ms must be between 0 and 5000, got %d", path, utteranceEnd)
	}
	base := deepgram.Config{
		APIKey:     settings.APIKey,
		Model:      settings.Model,
		Language:   settings.Language,
		SampleRate: settings.SampleRate,
		Encoding:   settings.Encoding,
		Interim:    configutil.BoolValue(settings.Interim, true),
		Punctuate:  configutil.BoolValue(settings.Punctuate, true),
		Diarize:    configutil.BoolValue(settings.Diarize, false),
		VADEvents:  configutil.BoolValue(settings.VADEvents, false),
		Params:     deepgram.Params{UtteranceEndMS: utteranceEnd},
		TraceID:    opts.TraceID,
		Logger:     opts.Logger,
		Observer:   opts.Observer,
	}
	if _, err := deepgram.New(base); err != nil {
		return nil, err
	}
	return func(callSID, streamID string) stt.StreamingSTT {
		cfg := base
		cfg.StreamID = streamID
		cfg.CallSID = callSID
		// api key checked by the New call above
		s, _ := deepgram.New(cfg)
		return s
	}, nil
}

func validDeepgramEncoding(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "linear16", "mulaw":
		return true
	default:
		return false
	}
}

func buildMock(vendor VendorConfig, path string, _ BuildOptions) (processors.Factory, error) {
	if err := validateSettings(path, vendor.Settings, configutil.Schema{
		Provider: "mock",
		Optional: []string{"language", "transcript", "interim_transcript", "emit_interim", "fail_after", "fail_flush"},
	}); err != nil {
		return nil, err
	}
	var settings mock.STTConfig
	if err := configutil.DecodeSettings(vendor.Settings, &settings); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return func(callSID, streamID string) stt.StreamingSTT {
		cfg := settings
		cfg.StreamID = streamID
		return mock.NewSTT(cfg)
	}, nil
}

func validateSettings(path string, input map[string]any, schema configutil.Schema) error {
	if err := configutil.ValidateSettings(input, schema); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
