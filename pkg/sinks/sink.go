package sinks

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
)

// Record is one speech event as published to a sink.
type Record struct {
	StreamID   string    `json:"stream_id"`
	TraceID    string    `json:"trace_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Type       string    `json:"type"`
	Text       string    `json:"text"`
	Language   string    `json:"language,omitempty"`
	Speaker    string    `json:"speaker,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Time       time.Time `json:"time"`
}

func NewRecord(streamID, traceID, provider string, ev stt.SpeechEvent) Record {
	return Record{
		StreamID:   streamID,
		TraceID:    traceID,
		Provider:   provider,
		Type:       ev.Type.String(),
		Text:       ev.Text,
		Language:   ev.Language,
		Speaker:    ev.Speaker,
		Confidence: ev.Confidence,
		Time:       time.Now().UTC(),
	}
}

func (r Record) IsFinal() bool { return r.Type == stt.EventFinal.String() }

// Sink receives transcript records.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// WriterSink writes one JSON object per line.
type WriterSink struct {
	mu    sync.Mutex
	enc   *json.Encoder
	close io.Closer
	final bool
}

// NewWriterSink writes records to w. When finalOnly is set interim records
// are dropped. Close closes w if it is an io.Closer other than stdout or
// stderr.
func NewWriterSink(w io.Writer, finalOnly bool) *WriterSink {
	s := &WriterSink{enc: json.NewEncoder(w), final: finalOnly}
	if c, ok := w.(io.Closer); ok && w != os.Stdout && w != os.Stderr {
		s.close = c
	}
	return s
}

func (s *WriterSink) Publish(_ context.Context, rec Record) error {
	if s.final && !rec.IsFinal() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(rec)
}

func (s *WriterSink) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close.Close()
}

// Discard drops every record.
type Discard struct{}

func (Discard) Publish(context.Context, Record) error { return nil }
func (Discard) Close() error                          { return nil }
