package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/metrics"
)

// LatencyObserver tracks time from first audio to first interim and first
// final transcript per stream. Results are logged and re-emitted to next.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
	next   metrics.Observer
}

type trace struct {
	audioIn      time.Time
	firstInterim time.Time
	firstFinal   time.Time
	traceID      string
	provider     string
}

func NewLatencyObserver(log *slog.Logger, next metrics.Observer) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
		next:   next,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ""
	if ev.Tags != nil {
		streamID = ev.Tags[metrics.TagStreamID]
	}
	if streamID == "" {
		return
	}
	var emit []metrics.MetricsEvent
	o.mu.Lock()
	t := o.traces[streamID]
	if t == nil {
		t = &trace{}
		o.traces[streamID] = t
	}
	switch ev.Name {
	case metrics.EventAudioIn:
		if t.audioIn.IsZero() {
			t.audioIn = ev.Time
			t.traceID = ev.Tags[metrics.TagTraceID]
			t.provider = ev.Tags[metrics.TagProvider]
		}
	case metrics.EventInterim:
		if t.firstInterim.IsZero() && !t.audioIn.IsZero() {
			t.firstInterim = ev.Time
			emit = append(emit, o.latencyEvent(streamID, t, metrics.EventFirstInterimMs, t.firstInterim))
		}
	case metrics.EventFinal:
		if t.firstFinal.IsZero() && !t.audioIn.IsZero() {
			t.firstFinal = ev.Time
			emit = append(emit, o.latencyEvent(streamID, t, metrics.EventFirstFinalMs, t.firstFinal))
			o.logLatencyLocked(streamID, t)
		}
	case metrics.EventSessionError, metrics.EventClose:
		delete(o.traces, streamID)
	}
	o.mu.Unlock()
	for _, e := range emit {
		if o.next != nil {
			o.next.RecordEvent(e)
		}
	}
}

func (o *LatencyObserver) latencyEvent(streamID string, t *trace, name string, at time.Time) metrics.MetricsEvent {
	return metrics.MetricsEvent{
		Name:  name,
		Time:  at,
		Value: float64(durationMs(t.audioIn, at)),
		Tags: map[string]string{
			metrics.TagStreamID: streamID,
			metrics.TagTraceID:  t.traceID,
			metrics.TagProvider: t.provider,
		},
	}
}

func (o *LatencyObserver) logLatencyLocked(streamID string, t *trace) {
	o.log.Info("latency",
		"stream_id", streamID,
		"trace_id", t.traceID,
		"provider", t.provider,
		"first_interim_ms", durationMs(t.audioIn, t.firstInterim),
		"first_final_ms", durationMs(t.audioIn, t.firstFinal),
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
