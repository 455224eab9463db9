package runner

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunReturnsJobErrorAndDrains(t *testing.T) {
	drained := false
	stopped := false
	jobErr := errors.New("boom")
	r := NewLifecycleRunner(DrainFunc(func() error { drained = true; return nil }), Hooks{
		OnStart: func(ctx context.Context) error { return jobErr },
		OnStop:  func() { stopped = true },
	}, time.Second)

	err := r.Run(context.Background())
	if !errors.Is(err, jobErr) {
		t.Fatalf("expected job error, got %v", err)
	}
	if !drained || !stopped || r.State() != StateStopped {
		t.Fatalf("expected drain and stop, drained=%v stopped=%v state=%s", drained, stopped, r.State())
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{
		OnStart: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("cancel must not be reported as an error, got %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run must fail")
	}
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	r := NewLifecycleRunner(DrainFunc(func() error { <-block; return nil }), Hooks{}, 20*time.Millisecond)
	if err := r.Stop(); !errors.Is(err, ErrDrainTimeout) {
		t.Fatalf("expected drain timeout, got %v", err)
	}
}

func TestPrintBanner(t *testing.T) {
	var buf bytes.Buffer
	PrintBanner(&buf)
	if !bytes.Contains(buf.Bytes(), []byte("Version: "+Version)) {
		t.Fatalf("expected version line, got %q", buf.String())
	}
	PrintBanner(nil)
}
