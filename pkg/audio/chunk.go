package audio

import (
	"time"

	"github.com/harunnryd/ranya-stt/pkg/frames"
)

// ChunkBytes returns the byte length of chunk of 16-bit mono PCM at rate,
// rounded down to a whole sample.
func ChunkBytes(rate int, chunk time.Duration) int {
	n := int(int64(rate) * int64(chunk) / int64(time.Second) * 2)
	if n < 2 {
		return 2
	}
	return n - n%2
}

// Frames splits pcm into audio frames of chunk duration. The last frame may
// be shorter. PTS is the frame start offset in nanoseconds.
func Frames(streamID string, pcm []byte, f Format, chunk time.Duration, meta map[string]string) []frames.AudioFrame {
	if len(pcm) == 0 {
		return nil
	}
	size := ChunkBytes(f.SampleRate, chunk)
	out := make([]frames.AudioFrame, 0, len(pcm)/size+1)
	var pts time.Duration
	for off := 0; off < len(pcm); off += size {
		end := min(off+size, len(pcm))
		out = append(out, frames.NewAudioFrame(streamID, pts.Nanoseconds(), pcm[off:end], f.SampleRate, 1, meta))
		pts += Duration(end-off, f.SampleRate)
	}
	return out
}

// Duration of n bytes of 16-bit mono PCM at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(rate)
}
