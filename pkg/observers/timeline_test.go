package observers

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/metrics"
)

func TestTimelineObserverWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)

	tags := map[string]string{
		metrics.TagStreamID: "stream-1",
		metrics.TagTraceID:  "trace-1",
	}
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventAudioIn, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventAudioIn, Time: time.Now(), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{
		Name:   metrics.EventFinal,
		Time:   time.Now(),
		Tags:   tags,
		Fields: map[string]any{metrics.FieldText: "hello world"},
	})
	_ = obs.Close()

	b, err := os.ReadFile(filepath.Join(dir, "trace-1.jsonl"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines (first audio + final), got %d: %s", len(lines), b)
	}
	var last timelineEvent
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Event != "final" || last.Fields[metrics.FieldText] != "hello world" {
		t.Fatalf("unexpected entry %+v", last)
	}
	if !strings.Contains(lines[0], "first_audio") {
		t.Fatalf("expected first_audio event, got %s", lines[0])
	}
}

func TestTimelineObserverSanitizesID(t *testing.T) {
	dir := t.TempDir()
	obs := NewTimelineObserver(dir)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventInterim, Time: time.Now(), Tags: map[string]string{metrics.TagStreamID: "a/b c"}})
	_ = obs.Close()
	if _, err := os.Stat(filepath.Join(dir, "a_b_c.jsonl")); err != nil {
		t.Fatalf("expected sanitized file: %v", err)
	}
}

func TestPurgeArtifacts(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)
	for _, name := range []string{"a.jsonl", "a.usage.json", "keep.txt"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
		_ = os.Chtimes(p, old, old)
	}
	n, err := PurgeArtifacts(dir, time.Hour)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 removed, got %d err=%v", n, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Fatalf("non-artifact must be kept")
	}
	if n, err := PurgeArtifacts(filepath.Join(dir, "missing"), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing dir should be a no-op, got %d %v", n, err)
	}
}
