package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format describes PCM audio.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

var ErrUnsupported = errors.New("audio: unsupported format")

// wavFmt is the PCM body of a "fmt " chunk.
type wavFmt struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// DecodeWAV reads a RIFF/WAVE stream and returns its format and the raw
// samples of the data chunk. Chunks other than "fmt " and "data" are skipped.
// Only 16-bit mono PCM is accepted.
func DecodeWAV(r io.Reader) (Format, []byte, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Format{}, nil, fmt.Errorf("read riff header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Format{}, nil, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupported)
	}

	var (
		f       wavFmt
		seenFmt bool
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return Format{}, nil, fmt.Errorf("%w: missing data chunk", ErrUnsupported)
		}
		id := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Format{}, nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, &f); err != nil {
				return Format{}, nil, fmt.Errorf("decode fmt chunk: %w", err)
			}
			seenFmt = true
		case "data":
			if !seenFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt chunk", ErrUnsupported)
			}
			if f.AudioFormat != 1 {
				return Format{}, nil, fmt.Errorf("%w: audio format %d (only PCM)", ErrUnsupported, f.AudioFormat)
			}
			if f.BitsPerSample != 16 {
				return Format{}, nil, fmt.Errorf("%w: %d bits per sample (only 16)", ErrUnsupported, f.BitsPerSample)
			}
			if f.NumChannels != 1 {
				return Format{}, nil, fmt.Errorf("%w: %d channels (only mono)", ErrUnsupported, f.NumChannels)
			}
			data, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return Format{}, nil, fmt.Errorf("read data chunk: %w", err)
			}
			return Format{SampleRate: int(f.SampleRate), Channels: 1, BitsPerSample: 16}, data, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size+size%2)); err != nil {
				return Format{}, nil, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// EncodeWAV wraps 16-bit mono PCM in a canonical 44 byte header.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, wavFmt{
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
	})
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

// LoadFile reads a .wav file or raw s16le mono PCM at rawRate.
func LoadFile(path string, rawRate int) (Format, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Format{}, nil, err
	}
	defer f.Close()
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return DecodeWAV(f)
	}
	if rawRate <= 0 {
		return Format{}, nil, fmt.Errorf("%w: raw pcm needs a sample rate", ErrUnsupported)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return Format{}, nil, err
	}
	return Format{SampleRate: rawRate, Channels: 1, BitsPerSample: 16}, data, nil
}
