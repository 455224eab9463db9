package stt

import (
	"context"
	"iter"

	"github.com/harunnryd/ranya-stt/pkg/frames"
)

// StreamingSTT defines the contract for any STT vendor implementation.
type StreamingSTT interface {
	// Name returns adapter name for logging/metrics.
	Name() string
	// Start opens the vendor connection. Calling it twice is a no-op.
	Start(ctx context.Context) error
	// Write queues one audio frame. It starts the stream when needed.
	Write(ctx context.Context, frame frames.AudioFrame) error
	// Flush marks end of utterance without closing the connection.
	Flush() error
	// Events yields speech events in receive order. A terminal error, if any,
	// is yielded once as the last element.
	Events() iter.Seq2[SpeechEvent, error]
	// Close releases the connection. Closing twice is a no-op.
	Close() error
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}

// Capabilities describes what a provider supports.
type Capabilities struct {
	Streaming      bool
	InterimResults bool
}
