package processors

import "github.com/harunnryd/ranya-stt/pkg/frames"

// FrameProcessor transforms one frame into zero or more frames.
type FrameProcessor interface {
	Name() string
	Process(f frames.Frame) ([]frames.Frame, error)
}

var _ FrameProcessor = (*STTProcessor)(nil)
