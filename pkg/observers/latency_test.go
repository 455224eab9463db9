package observers

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/metrics"
)

func TestLatencyObserverEmitsFirstLatencies(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	obs := NewLatencyObserver(nil, mem)
	tags := map[string]string{metrics.TagStreamID: "s1", metrics.TagProvider: "soniox"}
	start := time.Now()

	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventAudioIn, Time: start, Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventInterim, Time: start.Add(120 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventInterim, Time: start.Add(200 * time.Millisecond), Tags: tags})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFinal, Time: start.Add(900 * time.Millisecond), Tags: tags})

	events := mem.Snapshot()
	if len(events) != 2 {
		t.Fatalf("expected 2 latency events, got %d", len(events))
	}
	if events[0].Name != metrics.EventFirstInterimMs || events[0].Value != 120 {
		t.Fatalf("unexpected interim latency %+v", events[0])
	}
	if events[1].Name != metrics.EventFirstFinalMs || events[1].Value != 900 {
		t.Fatalf("unexpected final latency %+v", events[1])
	}
	if events[1].Tags[metrics.TagProvider] != "soniox" {
		t.Fatalf("expected provider tag carried over")
	}
}

func TestLatencyObserverIgnoresUntaggedEvents(t *testing.T) {
	mem := metrics.NewMemoryObserver()
	obs := NewLatencyObserver(nil, mem)
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFinal, Time: time.Now()})
	obs.RecordEvent(metrics.MetricsEvent{Name: metrics.EventFinal, Time: time.Now(), Tags: map[string]string{metrics.TagStreamID: "s1"}})
	if len(mem.Snapshot()) != 0 {
		t.Fatalf("final without audio must not produce latency")
	}
}

func TestUsageObserverSummarizes(t *testing.T) {
	dir := t.TempDir()
	obs := NewUsageObserver(dir)
	tags := map[string]string{metrics.TagStreamID: "s1", metrics.TagProvider: "soniox"}
	for i := 0; i < 3; i++ {
		metrics.Emit(obs, metrics.EventAudioIn, 1, tags, map[string]any{metrics.FieldAudioMs: int64(500), metrics.FieldBytes: 16000})
	}
	metrics.Emit(obs, metrics.EventInterim, 1, tags, nil)
	metrics.Emit(obs, metrics.EventFinal, 1, tags, nil)
	metrics.Emit(obs, metrics.EventReconnect, 1, tags, nil)

	sum, ok := obs.Summary("s1")
	if !ok {
		t.Fatalf("expected summary")
	}
	if sum.AudioSeconds != 1.5 || sum.AudioBytes != 48000 || sum.Interims != 1 || sum.Finals != 1 || sum.Reconnects != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}
	if err := obs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.usage.json")); err != nil {
		t.Fatalf("expected usage file: %v", err)
	}
}

func TestMultiObserverFansOut(t *testing.T) {
	a := metrics.NewMemoryObserver()
	b := metrics.NewMemoryObserver()
	m := NewMultiObserver(a, nil)
	m.Add(b)
	metrics.Emit(m, metrics.EventFinal, 1, nil, nil)
	if a.Count(metrics.EventFinal) != 1 || b.Count(metrics.EventFinal) != 1 {
		t.Fatalf("expected both observers to receive the event")
	}
}
