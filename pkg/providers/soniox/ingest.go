package soniox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
	"github.com/harunnryd/ranya-stt/pkg/frames"
	"github.com/harunnryd/ranya-stt/pkg/metrics"
	"github.com/harunnryd/ranya-stt/pkg/resilience"
)

type ingestItem struct {
	frame frames.AudioFrame
	flush bool
}

// sender is the part of Connection the ingest loop drives.
type sender interface {
	Connect(ctx context.Context) error
	Send(payload []byte) error
	MarkUnusable()
}

// ingest forwards queued frames and flush signals to the connection. It is
// the only writer and the only goroutine allowed to reconnect.
type ingest struct {
	conn  sender
	in    <-chan ingestItem
	retry resilience.RetryPolicy
	log   *slog.Logger
	obs   metrics.Observer
	tags  map[string]string
}

func newIngest(conn sender, in <-chan ingestItem, log *slog.Logger, obs metrics.Observer, tags map[string]string) *ingest {
	return &ingest{
		conn: conn,
		in:   in,
		retry: resilience.SingleShot(func(err error) bool {
			return errors.Is(err, stt.ErrConnectionClosed)
		}),
		log:  log,
		obs:  obs,
		tags: tags,
	}
}

// run drains the queue until ctx ends (nil) or a send fails after its single
// reconnect attempt (fatal error).
func (p *ingest) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-p.in:
			if item.flush {
				p.flush()
				continue
			}
			err := p.sendAudio(ctx, item.frame)
			frames.ReleaseAudioFrame(item.frame)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (p *ingest) flush() {
	metrics.Emit(p.obs, metrics.EventFlush, 1, p.tags, nil)
	if err := p.conn.Send(nil); err != nil {
		metrics.Emit(p.obs, metrics.EventFlushError, 1, p.tags, map[string]any{metrics.FieldError: err.Error()})
		p.log.Warn("soniox_flush_failed", slog.String("error", err.Error()))
	}
}

func (p *ingest) sendAudio(ctx context.Context, frame frames.AudioFrame) error {
	payload := frame.RawPayload()
	err := p.retry.Do(ctx, func(attempt int) error {
		if attempt > 0 {
			p.conn.MarkUnusable()
			metrics.Emit(p.obs, metrics.EventReconnect, 1, p.tags, nil)
			p.log.Warn("soniox_reconnect", slog.Int("attempt", attempt))
			if err := p.conn.Connect(ctx); err != nil {
				return err
			}
		}
		return p.conn.Send(payload)
	})
	if err != nil {
		err = errorsx.Override(err, errorsx.ReasonSTTRetry)
		p.log.Error("soniox_send_fatal",
			slog.String("reason_code", string(errorsx.Reason(err))),
			slog.String("error", err.Error()))
		return err
	}
	metrics.Emit(p.obs, metrics.EventAudioIn, 1, p.tags, map[string]any{
		metrics.FieldAudioMs: frame.Duration().Milliseconds(),
		metrics.FieldBytes:   len(payload),
	})
	return nil
}
