package tts

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"

	"github.com/voxloop/voxloop/pkg/audio/pcm"
)

// OpenAISpeech synthesizes through the OpenAI speech endpoint. The
// endpoint returns 24 kHz mono PCM when asked for the pcm response
// format; the speak stream resamples to the negotiated output rate.
type OpenAISpeech struct {
	Client *openai.Client
	// Model is the upstream model id. When empty, the model segment of
	// the registered name is used.
	Model string
	// Voice defaults to alloy.
	Voice string
	// Speed is the playback speed multiplier. Zero means default.
	Speed float64
	// Instructions steer delivery, for models that support it.
	Instructions string
}

var _ Synthesizer = (*OpenAISpeech)(nil)

// Speak implements Synthesizer.
func (p *OpenAISpeech) Speak(ctx context.Context, model, text string) (*Audio, error) {
	mdl := p.Model
	if mdl == "" {
		if i := strings.LastIndexByte(model, '/'); i >= 0 {
			mdl = model[i+1:]
		} else {
			mdl = model
		}
	}
	voice := p.Voice
	if voice == "" {
		voice = string(openai.AudioSpeechNewParamsVoiceAlloy)
	}
	params := openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(mdl),
		Input:          text,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if p.Speed > 0 {
		params.Speed = param.NewOpt(p.Speed)
	}
	if p.Instructions != "" {
		params.Instructions = param.NewOpt(p.Instructions)
	}
	res, err := p.Client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("tts: openai speech: %w", err)
	}
	return &Audio{Format: pcm.L16Mono24K, R: res.Body}, nil
}
