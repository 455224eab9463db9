package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/ranya-stt/pkg/app"
	"github.com/harunnryd/ranya-stt/pkg/audio"
	"github.com/harunnryd/ranya-stt/pkg/runner"
	"github.com/spf13/cobra"
)

var transcribeOpts struct {
	file      string
	streamID  string
	callSID   string
	sink      string
	sinkPath  string
	finalOnly bool
	realtime  bool
	interim   bool
	noBanner  bool
	drain     time.Duration
}

var transcribeCmd = &cobra.Command{
	Use:   "transcribe",
	Short: "Stream an audio file and publish transcripts",
	Long: `Stream a 16-bit mono PCM file (WAV, or raw at audio.sample_rate) to the
configured STT provider in audio.chunk_ms chunks. Transcripts are published
as JSON lines or Kafka messages depending on sinks.kind.

Examples:
  ranya-stt transcribe -f call.wav
  ranya-stt -c config.yaml transcribe -f call.pcm --realtime --sink kafka`,
	Args: cobra.NoArgs,
	RunE: runTranscribe,
}

func init() {
	f := transcribeCmd.Flags()
	f.StringVarP(&transcribeOpts.file, "file", "f", "", "audio file (.wav or raw PCM)")
	f.StringVar(&transcribeOpts.streamID, "stream-id", "", "stream id (default: random)")
	f.StringVar(&transcribeOpts.callSID, "call-sid", "", "call id attached to transcripts")
	f.StringVar(&transcribeOpts.sink, "sink", "", "override sinks.kind (stdout, file, kafka, none)")
	f.StringVar(&transcribeOpts.sinkPath, "sink-path", "", "override sinks.path")
	f.BoolVar(&transcribeOpts.finalOnly, "final-only", false, "publish final transcripts only")
	f.BoolVar(&transcribeOpts.realtime, "realtime", false, "pace audio to real time")
	f.BoolVar(&transcribeOpts.interim, "interim", true, "forward interim transcripts")
	f.BoolVar(&transcribeOpts.noBanner, "no-banner", false, "do not print the banner")
	f.DurationVar(&transcribeOpts.drain, "drain-timeout", 10*time.Second, "shutdown drain timeout")
	_ = transcribeCmd.MarkFlagRequired("file")
}

func runTranscribe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if transcribeOpts.sink != "" {
		cfg.Sinks.Kind = transcribeOpts.sink
	}
	if transcribeOpts.sinkPath != "" {
		cfg.Sinks.Path = transcribeOpts.sinkPath
	}
	if flags.Changed("final-only") {
		cfg.Sinks.FinalOnly = transcribeOpts.finalOnly
	}
	if flags.Changed("realtime") {
		cfg.Audio.Realtime = transcribeOpts.realtime
	}
	if flags.Changed("interim") {
		cfg.STT.ForwardInterim = transcribeOpts.interim
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := newLogger(cmd, cfg)

	format, pcm, err := audio.LoadFile(transcribeOpts.file, cfg.Audio.SampleRate)
	if err != nil {
		return fmt.Errorf("load audio: %w", err)
	}

	obs, err := app.BuildObservability(cfg, log)
	if err != nil {
		return err
	}
	app.PurgeArtifacts(cfg, log)

	sink, err := app.BuildSink(cfg, log, obs.Observer)
	if err != nil {
		_ = obs.Close()
		return err
	}

	traceID := uuid.NewString()
	tr, err := app.NewTranscriber(cfg, nil, sink, app.BuildOptions{TraceID: traceID, Logger: log, Observer: obs.Observer})
	if err != nil {
		_ = sink.Close()
		_ = obs.Close()
		return err
	}

	var server *app.MetricsServer
	if cfg.Metrics.Enabled && obs.Registry != nil {
		server = app.NewMetricsServer(cfg.Metrics.Addr, obs.Registry, log)
		if _, err := server.Start(); err != nil {
			_ = sink.Close()
			_ = obs.Close()
			return fmt.Errorf("metrics server: %w", err)
		}
	}

	job := app.Job{
		StreamID: transcribeOpts.streamID,
		CallSID:  transcribeOpts.callSID,
		TraceID:  traceID,
		Format:   format,
		PCM:      pcm,
	}
	drain := runner.DrainFunc(func() error {
		var errs []error
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, server.Shutdown(ctx))
			cancel()
		}
		errs = append(errs, sink.Close(), obs.Close())
		return errors.Join(errs...)
	})
	r := runner.NewLifecycleRunner(drain, runner.Hooks{
		OnStart: func(ctx context.Context) error {
			sum, err := tr.Run(ctx, job)
			log.Info("transcribe_summary",
				"stream_id", sum.StreamID,
				"audio_ms", audio.Duration(len(pcm), format.SampleRate).Milliseconds(),
				"finals", sum.Finals,
			)
			return err
		},
	}, transcribeOpts.drain)
	if !transcribeOpts.noBanner {
		r.SetBanner(cmd.ErrOrStderr())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return r.Run(ctx)
}
