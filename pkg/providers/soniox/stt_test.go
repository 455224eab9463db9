package soniox

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
)

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")
	_, err := New(DefaultConfig())
	if !errors.Is(err, stt.ErrConfiguration) || errorsx.Reason(err) != errorsx.ReasonSTTConfig {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewRejectsShortAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = "short"
	if _, err := New(cfg); !errors.Is(err, stt.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewReadsAPIKeyFromEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, testAPIKey)
	s, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Config().APIKey != testAPIKey {
		t.Fatalf("expected key from environment")
	}
}

func TestNewRejectsHTTPURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = testAPIKey
	cfg.URL = "https://stt-rt.soniox.com"
	if _, err := New(cfg); !errors.Is(err, stt.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	s, err := New(Config{APIKey: testAPIKey, Language: " DE "})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cfg := s.Config()
	if cfg.URL != DefaultURL || cfg.Model != DefaultModel || cfg.SampleRate != DefaultSampleRate {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Language != "de" {
		t.Fatalf("expected normalized language, got %q", cfg.Language)
	}
	if cfg.Timeout != 30*time.Second || cfg.RecognizeWait != 5*time.Second {
		t.Fatalf("unexpected timeouts %s %s", cfg.Timeout, cfg.RecognizeWait)
	}
	if cfg.PingInterval != 0 {
		t.Fatalf("zero ping interval must stay disabled")
	}
}

func TestLabelAndCapabilities(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = testAPIKey
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if s.Name() != "soniox_stt" || s.Label() != "Soniox (stt-rt-preview)" {
		t.Fatalf("unexpected name/label %q %q", s.Name(), s.Label())
	}
	caps := s.Capabilities()
	if !caps.Streaming || !caps.InterimResults {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}

func TestStreamOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.APIKey = testAPIKey
	cfg.ReferenceID = false
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	st := s.Stream(WithStreamID("call-1"), WithLanguage(""), WithTraceID("tr"))
	if st.StreamID() != "call-1" || st.Language() != DefaultLanguage {
		t.Fatalf("unexpected stream %s %s", st.StreamID(), st.Language())
	}
	if st.conn.opts.ReferenceID != "" {
		t.Fatalf("reference id must be omitted when disabled")
	}
	if st.tags["trace_id"] != "tr" {
		t.Fatalf("expected trace tag, got %+v", st.tags)
	}
	a, b := s.Stream(), s.Stream()
	if a.StreamID() == b.StreamID() {
		t.Fatalf("stream ids must be unique")
	}
}

func TestStateString(t *testing.T) {
	if StateConnected.String() != "connected" || State(99).String() != "unknown" {
		t.Fatalf("unexpected state strings")
	}
}
