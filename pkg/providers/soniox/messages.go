package soniox

import (
	"encoding/json"
	"fmt"

	"github.com/harunnryd/ranya-stt/pkg/adapters/stt"
	"github.com/harunnryd/ranya-stt/pkg/aggregators"
	"github.com/harunnryd/ranya-stt/pkg/errorsx"
)

const audioFormat = "pcm_s16le"

// handshake is the configuration message sent once after the socket opens.
type handshake struct {
	APIKey                       string   `json:"api_key"`
	Model                        string   `json:"model"`
	LanguageHints                []string `json:"language_hints"`
	EnableLanguageIdentification bool     `json:"enable_language_identification"`
	EnableSpeakerDiarization     bool     `json:"enable_speaker_diarization"`
	EnableEndpointDetection      bool     `json:"enable_endpoint_detection"`
	AudioFormat                  string   `json:"audio_format"`
	SampleRate                   int      `json:"sample_rate"`
	NumChannels                  int      `json:"num_channels"`
	ClientReferenceID            string   `json:"client_reference_id,omitempty"`
}

func newHandshake(cfg Config, language, referenceID string) handshake {
	auto := language == DefaultLanguage
	hints := []string{language}
	if auto {
		hints = []string{"en"}
	}
	return handshake{
		APIKey:                       cfg.APIKey,
		Model:                        cfg.Model,
		LanguageHints:                hints,
		EnableLanguageIdentification: auto,
		EnableSpeakerDiarization:     cfg.Diarize,
		EnableEndpointDetection:      true,
		AudioFormat:                  audioFormat,
		SampleRate:                   cfg.SampleRate,
		NumChannels:                  1,
		ClientReferenceID:            referenceID,
	}
}

// response is one inbound message.
type response struct {
	Tokens           []aggregators.Token `json:"tokens"`
	FinalAudioProcMs int64               `json:"final_audio_proc_ms,omitempty"`
	TotalAudioProcMs int64               `json:"total_audio_proc_ms,omitempty"`
	Finished         bool                `json:"finished,omitempty"`
	ErrorCode        *int                `json:"error_code,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
}

func parseResponse(data []byte) (response, error) {
	var resp response
	if err := json.Unmarshal(data, &resp); err != nil {
		return response{}, errorsx.Wrap(fmt.Errorf("%w: %v", stt.ErrProtocol, err), errorsx.ReasonSTTProtocol)
	}
	return resp, nil
}

// serviceError returns the fatal error carried by resp, if any.
func (r response) serviceError() error {
	if r.ErrorCode == nil {
		return nil
	}
	return errorsx.Wrap(&stt.ServiceError{Code: *r.ErrorCode, Message: r.ErrorMessage}, errorsx.ReasonSTTService)
}
