package frames

import (
	"testing"
	"time"
)

func TestAudioFrameDuration(t *testing.T) {
	// 320 bytes of mono s16le at 16kHz is 10ms.
	af := NewAudioFrame("s1", 0, make([]byte, 320), 16000, 1, nil)
	if got := af.Duration(); got != 10*time.Millisecond {
		t.Fatalf("expected 10ms, got %s", got)
	}
	if af.Meta()[MetaStreamID] != "s1" {
		t.Fatalf("expected stream id in meta")
	}
}

func TestAudioFrameDataIsCopy(t *testing.T) {
	raw := []byte{1, 2, 3, 4}
	af := NewAudioFrame("", 0, raw, 8000, 1, nil)
	d := af.Data()
	d[0] = 9
	if af.RawPayload()[0] != 1 {
		t.Fatalf("Data must return a copy")
	}
}

func TestPooledFrameRelease(t *testing.T) {
	af := NewAudioFrameFromPool("s1", 0, []byte{1, 2}, 8000, 1, nil)
	if !ReleaseAudioFrame(af) {
		t.Fatalf("expected pooled frame to be released")
	}
	plain := NewAudioFrame("s1", 0, []byte{1, 2}, 8000, 1, nil)
	if ReleaseAudioFrame(plain) {
		t.Fatalf("expected non-pooled frame to be ignored")
	}
}

func TestPTSGenAdvance(t *testing.T) {
	g := NewPTSGen()
	first := g.Advance("a", 20*time.Millisecond)
	second := g.Next("a")
	if first != (20 * time.Millisecond).Nanoseconds() {
		t.Fatalf("unexpected first pts %d", first)
	}
	if second-first != time.Millisecond.Nanoseconds() {
		t.Fatalf("unexpected step %d", second-first)
	}
	if g.Next("b") != time.Millisecond.Nanoseconds() {
		t.Fatalf("streams must not share clocks")
	}
}

func TestTextFrameIsFinal(t *testing.T) {
	tf := NewTextFrame("s1", 1, "hello", map[string]string{MetaIsFinal: "true"})
	if !tf.IsFinal() {
		t.Fatalf("expected final text frame")
	}
	meta := tf.Meta()
	meta[MetaIsFinal] = "false"
	if !tf.IsFinal() {
		t.Fatalf("meta must be cloned")
	}
}
