package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusObserverCounts(t *testing.T) {
	p := NewPrometheusObserver(nil)
	tags := map[string]string{TagProvider: "soniox"}
	Emit(p, EventInterim, 1, tags, nil)
	Emit(p, EventFinal, 1, tags, nil)
	Emit(p, EventFinal, 1, tags, nil)
	Emit(p, EventAudioIn, 1, tags, map[string]any{FieldAudioMs: int64(1500)})
	Emit(p, EventServiceError, 1, map[string]string{TagProvider: "soniox", TagReason: "stt_service"}, nil)

	if got := testutil.ToFloat64(p.transcripts.WithLabelValues("final", "soniox")); got != 2 {
		t.Fatalf("expected 2 finals, got %v", got)
	}
	if got := testutil.ToFloat64(p.audioSeconds.WithLabelValues("soniox")); got != 1.5 {
		t.Fatalf("expected 1.5 audio seconds, got %v", got)
	}
	if got := testutil.ToFloat64(p.errors.WithLabelValues("stt_service", "soniox")); got != 1 {
		t.Fatalf("expected one service error, got %v", got)
	}
	if n, err := testutil.GatherAndCount(p.Registry(), "ranya_stt_events_total"); err != nil || n == 0 {
		t.Fatalf("expected events_total series, got %d err=%v", n, err)
	}
}

func TestSamplingKeepsErrors(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0)
	Emit(s, EventAudioIn, 1, nil, nil)
	Emit(s, EventConnectError, 1, nil, nil)
	Emit(s, EventFinal, 1, nil, nil)
	if mem.Count(EventAudioIn) != 0 {
		t.Fatalf("expected audio events sampled out")
	}
	if mem.Count(EventConnectError) != 1 || mem.Count(EventFinal) != 1 {
		t.Fatalf("expected error and final events kept, got %+v", mem.Snapshot())
	}
}

func TestSamplingRate(t *testing.T) {
	mem := NewMemoryObserver()
	s := NewSamplingObserver(mem, 0.5)
	for i := 0; i < 10; i++ {
		Emit(s, EventAudioIn, 1, nil, nil)
	}
	if got := mem.Count(EventAudioIn); got != 5 {
		t.Fatalf("expected 5 sampled events, got %d", got)
	}
}

func TestAsyncObserverDrainsOnClose(t *testing.T) {
	mem := NewMemoryObserver()
	a := NewAsyncObserver(mem, 16)
	for i := 0; i < 10; i++ {
		Emit(a, EventInterim, 1, nil, nil)
	}
	a.Close()
	a.Close()
	if got := mem.Count(EventInterim); got+int(a.Dropped()) != 10 {
		t.Fatalf("expected all events delivered or dropped, got %d", got)
	}
	Emit(a, EventInterim, 1, nil, nil)
}

func TestJSONLObserver(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	Emit(o, EventFinal, 1, map[string]string{TagStreamID: "s1"}, nil)
	out := buf.String()
	if !strings.Contains(out, `"name":"stt_final"`) || !strings.Contains(out, `"stream_id":"s1"`) {
		t.Fatalf("unexpected jsonl output %s", out)
	}
}

func TestEmitNilObserver(t *testing.T) {
	Emit(nil, EventFinal, 1, nil, nil)
}
