// Command ranya-stt streams audio files to a real-time speech-to-text
// provider and publishes the transcripts.
//
// Usage:
//
//	ranya-stt [--config file] <command> [flags]
//
// Commands:
//
//	transcribe - stream a WAV or raw PCM file and publish transcripts
//	recognize  - transcribe a short file with Soniox and print the first final
//	version    - print the build version
package main

import (
	"fmt"
	"os"

	"github.com/harunnryd/ranya-stt/cmd/ranya-stt/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
