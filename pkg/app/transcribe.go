package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/audio"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/logging"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/processors"
	"github.com/harunnryd/ranya-stt/pkg/sinks"
)

// ErrTranscriptionFailed is returned when the session ended with a fallback.
var ErrTranscriptionFailed = errors.New("transcription failed")

// Job is one audio source to transcribe.
type Job struct {
	StreamID string
	CallSID  string
	TraceID  string
	Format   audio.Format
	PCM      []byte
}

// Summary reports what a Transcriber run produced.
type Summary struct {
	StreamID string
	Frames   int
	Interims int
	Finals   int
	Reason   errorsx.ReasonCode
}

// Transcriber streams jobs through the STT processor and publishes the
// normalized transcripts to a sink.
type Transcriber struct {
	cfg        Config
	proc       *processors.STTProcessor
	normalizer *processors.TextNormalizer
	sink       sinks.Sink
	log        *slog.Logger
	obs        metrics.Observer
}

// NewTranscriber builds the processor from the vendor and language blocks of
// cfg. The sink is owned by the caller.
func NewTranscriber(cfg Config, reg *ProviderRegistry, sink sinks.Sink, opts BuildOptions) (*Transcriber, error) {
	if reg == nil {
		reg = DefaultRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TraceID == "" {
		opts.TraceID = uuid.NewString()
	}
	factory, err := reg.BuildSTTFactory(cfg.Vendors.STT, "vendors.stt.settings", opts)
	if err != nil {
		return nil, err
	}
	langFactories, err := reg.BuildLanguageFactories(cfg, opts)
	if err != nil {
		return nil, err
	}
	proc := processors.NewSTTProcessor(factory)
	proc.SetForwardInterim(cfg.STT.ForwardInterim)
	proc.SetObserver(opts.Observer)
	if len(langFactories) > 0 {
		proc.SetLanguageFactories(langFactories, cfg.Languages.Default)
	}
	return &Transcriber{
		cfg:        cfg,
		proc:       proc,
		normalizer: processors.NewTextNormalizer(cfg.Normalizer),
		sink:       sink,
		log:        logging.NewComponentLogger(opts.Logger, "transcriber"),
		obs:        opts.Observer,
	}, nil
}

// Run streams the job, flushes, waits for the session to drain and closes
// it. A Transcriber runs one job.
func (t *Transcriber) Run(ctx context.Context, job Job) (Summary, error) {
	if job.StreamID == "" {
		job.StreamID = uuid.NewString()
	}
	sum := Summary{StreamID: job.StreamID}
	t.proc.SetContext(ctx)

	meta := map[string]string{
		frames.MetaStreamID: job.StreamID,
		frames.MetaSource:   "file",
		frames.MetaEncoding: "pcm_s16le",
	}
	if job.CallSID != "" {
		meta[frames.MetaCallSID] = job.CallSID
	}
	if job.TraceID != "" {
		meta[frames.MetaTraceID] = job.TraceID
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		reason  errorsx.ReasonCode
		pubErrs []error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for f := range t.proc.Out() {
			switch v := f.(type) {
			case frames.TextFrame:
				final, err := t.publish(ctx, job, v)
				mu.Lock()
				if err != nil {
					pubErrs = append(pubErrs, err)
				} else if final {
					sum.Finals++
				} else {
					sum.Interims++
				}
				mu.Unlock()
			case frames.ControlFrame:
				if v.Code() == frames.ControlFallback {
					mu.Lock()
					reason = errorsx.ReasonCode(v.Meta()[frames.MetaReasonCode])
					mu.Unlock()
				}
			}
		}
	}()

	chunk := time.Duration(t.cfg.Audio.ChunkMS) * time.Millisecond
	denied, err := t.feed(ctx, audio.Frames(job.StreamID, job.PCM, job.Format, chunk, meta), chunk, &sum)
	if err == nil && denied == "" {
		flush := frames.NewControlFrame(job.StreamID, 0, frames.ControlFlush, map[string]string{frames.MetaStreamID: job.StreamID})
		out, _ := t.proc.Process(flush)
		denied = fallbackReason(out)
		drainCtx, cancel := context.WithTimeout(ctx, time.Duration(t.cfg.Audio.DrainMS)*time.Millisecond)
		if werr := t.proc.Wait(drainCtx, job.StreamID); werr != nil && !errors.Is(werr, context.DeadlineExceeded) {
			err = werr
		}
		cancel()
	}
	end := frames.NewSystemFrame(job.StreamID, 0, frames.SystemCallEnd, map[string]string{frames.MetaStreamID: job.StreamID})
	out, _ := t.proc.Process(end)
	if r := fallbackReason(out); r != "" && denied == "" {
		denied = r
	}
	t.proc.CloseAll()
	wg.Wait()

	// the session error seen on Out is the cause; a write fallback follows it
	if reason == "" {
		reason = denied
	}
	sum.Reason = reason
	t.log.Info("transcription_done",
		"stream_id", job.StreamID,
		"frames", sum.Frames,
		"interims", sum.Interims,
		"finals", sum.Finals,
		"reason_code", string(reason),
	)
	if err != nil {
		return sum, err
	}
	if reason != "" {
		return sum, errorsx.Wrap(fmt.Errorf("%w: %s", ErrTranscriptionFailed, reason), reason)
	}
	return sum, errors.Join(pubErrs...)
}

// feed writes the frames in order, paced to real time when configured. It
// stops at the first fallback and returns its reason.
func (t *Transcriber) feed(ctx context.Context, list []frames.AudioFrame, chunk time.Duration, sum *Summary) (errorsx.ReasonCode, error) {
	var ticker *time.Ticker
	if t.cfg.Audio.Realtime {
		ticker = time.NewTicker(chunk)
		defer ticker.Stop()
	}
	for _, f := range list {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-ticker.C:
			}
		} else if err := ctx.Err(); err != nil {
			return "", err
		}
		out, _ := t.proc.Process(f)
		sum.Frames++
		if reason := fallbackReason(out); reason != "" {
			return reason, nil
		}
	}
	return "", nil
}

// fallbackReason returns the reason code of the first fallback frame in out.
func fallbackReason(out []frames.Frame) errorsx.ReasonCode {
	for _, o := range out {
		if cf, ok := o.(frames.ControlFrame); ok && cf.Code() == frames.ControlFallback {
			return errorsx.ReasonCode(cf.Meta()[frames.MetaReasonCode])
		}
	}
	return ""
}

func (t *Transcriber) publish(ctx context.Context, job Job, tf frames.TextFrame) (bool, error) {
	out, _ := t.normalizer.Process(tf)
	if len(out) == 1 {
		if n, ok := out[0].(frames.TextFrame); ok {
			tf = n
		}
	}
	rec := RecordFromFrame(tf)
	if rec.TraceID == "" {
		rec.TraceID = job.TraceID
	}
	if err := t.sink.Publish(ctx, rec); err != nil {
		t.log.Warn("sink_publish_failed", "stream_id", rec.StreamID, "reason_code", string(errorsx.Reason(err)), "error", err.Error())
		return rec.IsFinal(), err
	}
	return rec.IsFinal(), nil
}

// RecordFromFrame converts an STT text frame into a sink record.
func RecordFromFrame(tf frames.TextFrame) sinks.Record {
	meta := tf.Meta()
	ev := stt.SpeechEvent{
		Type:     stt.EventInterim,
		Text:     tf.Text(),
		Language: meta[frames.MetaLanguage],
		Speaker:  meta[frames.MetaSpeaker],
	}
	if final, _ := strconv.ParseBool(meta[frames.MetaIsFinal]); final {
		ev.Type = stt.EventFinal
	}
	return sinks.NewRecord(meta[frames.MetaStreamID], meta[frames.MetaTraceID], meta[frames.MetaProvider], ev)
}
