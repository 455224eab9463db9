package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/harunnryd/ranya-stt/pkg/app"
	"github.com/harunnryd/ranya-stt/pkg/audio"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/sinks"
	"github.com/spf13/cobra"
)

var recognizeOpts struct {
	file     string
	language string
	timeout  time.Duration
}

var recognizeCmd = &cobra.Command{
	Use:   "recognize",
	Short: "Transcribe a short file with Soniox and print the first final",
	Long: `Send a short 16-bit mono PCM file to Soniox on a temporary session and
print the first final transcript as one JSON line. An empty final is printed
when none arrives within recognize_wait.

Examples:
  ranya-stt recognize -f hello.wav --language en`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !strings.EqualFold(cfg.Vendors.STT.Provider, "soniox") {
			return fmt.Errorf("recognize requires vendors.stt.provider soniox, got %s", cfg.Vendors.STT.Provider)
		}
		log := newLogger(cmd, cfg)

		client, err := app.NewSoniox(cfg.Vendors.STT, "vendors.stt.settings", app.BuildOptions{Logger: log})
		if err != nil {
			return err
		}
		format, pcm, err := audio.LoadFile(recognizeOpts.file, cfg.Audio.SampleRate)
		if err != nil {
			return fmt.Errorf("load audio: %w", err)
		}
		streamID := uuid.NewString()
		chunk := time.Duration(cfg.Audio.ChunkMS) * time.Millisecond
		list := audio.Frames(streamID, pcm, format, chunk, map[string]string{frames.MetaStreamID: streamID})

		ctx, cancel := context.WithTimeout(cmd.Context(), recognizeOpts.timeout)
		defer cancel()
		ev, err := client.Recognize(ctx, list, recognizeOpts.language)
		if err != nil {
			return err
		}
		rec := sinks.NewRecord(streamID, "", "soniox_stt", ev)
		return json.NewEncoder(cmd.OutOrStdout()).Encode(rec)
	},
}

func init() {
	f := recognizeCmd.Flags()
	f.StringVarP(&recognizeOpts.file, "file", "f", "", "audio file (.wav or raw PCM)")
	f.StringVarP(&recognizeOpts.language, "language", "l", "", "language code or auto (default: configured language)")
	f.DurationVar(&recognizeOpts.timeout, "timeout", time.Minute, "overall timeout")
	_ = recognizeCmd.MarkFlagRequired("file")
}
