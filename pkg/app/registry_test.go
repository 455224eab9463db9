package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/processors"
	"github.com/harunnryd/ranya-stt/pkg/providers/soniox"
)

func TestDefaultRegistryProviders(t *testing.T) {
	got := strings.Join(DefaultRegistry().Providers(), ",")
	if got != "deepgram,mock,soniox" {
		t.Fatalf("unexpected providers %s", got)
	}
}

func TestBuildUnknownProvider(t *testing.T) {
	_, err := DefaultRegistry().BuildSTTFactory(VendorConfig{Provider: "whisper"}, "vendors.stt.settings", BuildOptions{})
	if err == nil || !strings.Contains(err.Error(), "not registered") {
		t.Fatalf("expected registration error, got %v", err)
	}
}

func TestBuildSonioxFactory(t *testing.T) {
	vendor := VendorConfig{Provider: "Soniox", Settings: map[string]any{
		"api_key":        "soniox-test-key",
		"language":       "EN",
		"reference-id":   "false",
		"recognize_wait": "2s",
	}}
	factory, err := DefaultRegistry().BuildSTTFactory(vendor, "vendors.stt.settings", BuildOptions{TraceID: "tr-1"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sess := factory("call-1", "stream-1")
	st, ok := sess.(*soniox.Stream)
	if !ok {
		t.Fatalf("expected soniox stream, got %T", sess)
	}
	if st.StreamID() != "stream-1" || st.Language() != "en" {
		t.Fatalf("unexpected stream %s %s", st.StreamID(), st.Language())
	}
	_ = st.Close()
}

func TestBuildSonioxRequiresKey(t *testing.T) {
	t.Setenv(soniox.EnvAPIKey, "")
	_, err := DefaultRegistry().BuildSTTFactory(VendorConfig{Provider: "soniox"}, "vendors.stt.settings", BuildOptions{})
	if !errors.Is(err, stt.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildDeepgramValidation(t *testing.T) {
	reg := DefaultRegistry()
	if _, err := reg.BuildSTTFactory(VendorConfig{Provider: "deepgram"}, "vendors.stt.settings", BuildOptions{}); err == nil || !strings.Contains(err.Error(), "missing: api_key") {
		t.Fatalf("expected missing key, got %v", err)
	}
	bad := VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "k", "encoding": "opus"}}
	if _, err := reg.BuildSTTFactory(bad, "vendors.stt.settings", BuildOptions{}); err == nil || !strings.Contains(err.Error(), "encoding") {
		t.Fatalf("expected encoding error, got %v", err)
	}
	ok := VendorConfig{Provider: "deepgram", Settings: map[string]any{"api_key": "k", "utterance_end_ms": 500}}
	factory, err := reg.BuildSTTFactory(ok, "vendors.stt.settings", BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if sess := factory("c", "s"); sess == nil || sess.Name() != "deepgram_streaming" {
		t.Fatalf("unexpected session %v", sess)
	}
}

func TestBuildMockFactory(t *testing.T) {
	vendor := VendorConfig{Provider: "mock", Settings: map[string]any{"transcript": "ok", "emit_interim": "true"}}
	factory, err := DefaultRegistry().BuildSTTFactory(vendor, "vendors.stt.settings", BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sess := factory("c", "s")
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sess.Close()
	if sess.Name() != "mock_stt" {
		t.Fatalf("unexpected name %s", sess.Name())
	}
}

func TestBuildLanguageFactories(t *testing.T) {
	cfg := Config{Languages: LanguageConfig{Overrides: map[string]VendorConfig{
		"DE": {Provider: "mock", Settings: map[string]any{"language": "de"}},
	}}}
	got, err := DefaultRegistry().BuildLanguageFactories(cfg, BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var f processors.Factory = got["de"]
	if f == nil {
		t.Fatalf("expected lower cased key, got %v", got)
	}

	cfg.Languages.Overrides["fr"] = VendorConfig{Provider: "mock", Settings: map[string]any{"voice": "x"}}
	_, err = DefaultRegistry().BuildLanguageFactories(cfg, BuildOptions{})
	if err == nil || !strings.Contains(err.Error(), "languages.overrides.fr.settings: mock settings: unknown: voice") {
		t.Fatalf("expected prefixed error naming language and provider, got %v", err)
	}
	if !errors.Is(err, stt.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
