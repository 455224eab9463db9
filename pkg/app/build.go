package app

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/logging"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/observers"
	"github.com/harunnryd/ranya-stt/pkg/redact"
	"github.com/harunnryd/ranya-stt/pkg/sinks"
	"github.com/prometheus/client_golang/prometheus"
)

// Observability is the composed observer chain and the resources behind it.
type Observability struct {
	Observer metrics.Observer
	// Registry is nil unless metrics.enabled is set.
	Registry *prometheus.Registry
	Usage    *observers.UsageObserver

	async   *metrics.AsyncObserver
	closers []io.Closer
}

// BuildObservability wires the observer chain: async, then sampling, then a
// fan out to prometheus, event logging, JSONL and per-stream artifacts. The
// latency observer sees every event and adds its first-transcript latencies
// to the same fan out.
func BuildObservability(cfg Config, log *slog.Logger) (*Observability, error) {
	o := &Observability{}
	multi := observers.NewMultiObserver()

	if cfg.Metrics.Enabled {
		prom := metrics.NewPrometheusObserver(prometheus.NewRegistry())
		o.Registry = prom.Registry()
		multi.Add(prom)
	}
	if cfg.Metrics.LogEvents {
		multi.Add(observers.NewLoggerObserver(logging.NewComponentLogger(log, "metrics")))
	}
	if path := strings.TrimSpace(cfg.Metrics.JSONLPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics.jsonl_path: %w", err)
		}
		o.closers = append(o.closers, f)
		multi.Add(metrics.NewJSONLObserver(f))
	}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create observability.artifacts_dir: %w", err)
		}
		timeline := observers.NewTimelineObserver(dir)
		o.Usage = observers.NewUsageObserver(dir)
		o.closers = append(o.closers, timeline, o.Usage)
		multi.Add(timeline)
		multi.Add(o.Usage)
	}

	latency := observers.NewLatencyObserver(logging.NewComponentLogger(log, "latency"), multi)
	var obs metrics.Observer = observers.NewMultiObserver(multi, latency)
	if cfg.Metrics.SampleRate < 1 {
		obs = metrics.NewSamplingObserver(obs, cfg.Metrics.SampleRate)
	}
	if cfg.Metrics.Buffer > 0 {
		o.async = metrics.NewAsyncObserver(obs, cfg.Metrics.Buffer)
		obs = o.async
	}
	o.Observer = obs
	return o, nil
}

// Close drains the async queue before closing the artifact writers.
func (o *Observability) Close() error {
	if o == nil {
		return nil
	}
	if o.async != nil {
		o.async.Close()
	}
	var errs []error
	for _, c := range o.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PurgeArtifacts removes artifacts older than observability.retention_days.
func PurgeArtifacts(cfg Config, log *slog.Logger) {
	dir := strings.TrimSpace(cfg.Observability.ArtifactsDir)
	if dir == "" || cfg.Observability.RetentionDays <= 0 {
		return
	}
	maxAge := time.Duration(cfg.Observability.RetentionDays) * 24 * time.Hour
	n, err := observers.PurgeArtifacts(dir, maxAge)
	if err != nil {
		log.Warn("artifact_purge_failed", "dir", dir, "error", err.Error())
	}
	if n > 0 {
		log.Info("artifacts_purged", "dir", dir, "count", n)
	}
}

// BuildSink returns the transcript sink selected by sinks.kind.
func BuildSink(cfg Config, log *slog.Logger, obs metrics.Observer) (sinks.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Sinks.Kind)) {
	case "", "stdout":
		return sinks.NewWriterSink(os.Stdout, cfg.Sinks.FinalOnly), nil
	case "file":
		f, err := os.OpenFile(cfg.Sinks.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open sinks.path: %w", err)
		}
		return sinks.NewWriterSink(f, cfg.Sinks.FinalOnly), nil
	case "kafka":
		return sinks.NewKafkaSink(cfg.Sinks.Kafka, logging.NewComponentLogger(log, "kafka_sink"), obs)
	case "none":
		return sinks.Discard{}, nil
	default:
		return nil, fmt.Errorf("unknown sink kind: %s", cfg.Sinks.Kind)
	}
}

// Logger builds the process logger and applies the privacy switch.
func Logger(cfg Config, w io.Writer) *slog.Logger {
	redact.SetEnabled(cfg.Privacy.RedactPII)
	log := logging.New(w, cfg.LogLevel, cfg.LogFormat)
	return log.With(slog.String("environment", cfg.Environment))
}
