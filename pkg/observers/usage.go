package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/metrics"
)

// UsageSummary is the per-stream billing record written on Close.
type UsageSummary struct {
	TraceID       string  `json:"trace_id,omitempty"`
	StreamID      string  `json:"stream_id,omitempty"`
	Provider      string  `json:"provider,omitempty"`
	AudioSeconds  float64 `json:"audio_seconds"`
	AudioBytes    int64   `json:"audio_bytes"`
	Interims      int     `json:"interim_events"`
	Finals        int     `json:"final_events"`
	Reconnects    int     `json:"reconnects"`
	RecordedAtUTC string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates audio sent and transcripts received per stream.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	id := ""
	streamID := ""
	traceID := ""
	if ev.Tags != nil {
		streamID = ev.Tags[metrics.TagStreamID]
		traceID = ev.Tags[metrics.TagTraceID]
		if traceID != "" {
			id = traceID
		} else {
			id = streamID
		}
	}
	if id == "" {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		stat = &UsageSummary{TraceID: traceID, StreamID: streamID, Provider: ev.Tags[metrics.TagProvider]}
		o.stats[id] = stat
	}
	switch ev.Name {
	case metrics.EventAudioIn:
		if ms, ok := ev.Fields[metrics.FieldAudioMs].(int64); ok {
			stat.AudioSeconds += float64(ms) / 1000
		}
		if n, ok := ev.Fields[metrics.FieldBytes].(int); ok {
			stat.AudioBytes += int64(n)
		}
	case metrics.EventInterim:
		stat.Interims++
	case metrics.EventFinal:
		stat.Finals++
	case metrics.EventReconnect:
		stat.Reconnects++
	}
}

// Summary returns a copy of the summary for id.
func (o *UsageObserver) Summary(id string) (UsageSummary, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	stat := o.stats[id]
	if stat == nil {
		return UsageSummary{}, false
	}
	return *stat, true
}

// Close writes one <id>.usage.json per stream. Without a directory it only
// keeps the in-memory summaries.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	var errOut error
	for id, stat := range o.stats {
		stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
		b, err := json.MarshalIndent(stat, "", "  ")
		if err != nil {
			errOut = errors.Join(errOut, err)
			continue
		}
		path := filepath.Join(o.dir, sanitizeID(id)+".usage.json")
		if err := os.WriteFile(path, b, 0o644); err != nil {
			errOut = errors.Join(errOut, err)
		}
	}
	return errOut
}

var _ metrics.Observer = (*UsageObserver)(nil)
