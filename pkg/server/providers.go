package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/voxloop/voxloop/pkg/asr"
	"github.com/voxloop/voxloop/pkg/gen"
	"github.com/voxloop/voxloop/pkg/tts"
)

// ProviderSet holds the muxes a server routes sessions through. The
// set is built once at startup; sessions look providers up by name.
type ProviderSet struct {
	ASR *asr.Mux
	LLM *gen.Mux
	TTS *tts.Mux
}

// BuildProviders registers every configured provider. The pattern's
// leading segment picks the implementation.
func BuildProviders(ctx context.Context, cfg *ProvidersConfig) (*ProviderSet, error) {
	set := &ProviderSet{
		ASR: asr.NewMux(),
		LLM: gen.NewMux(),
		TTS: tts.NewMux(),
	}
	for pattern, pc := range cfg.ASR {
		r, err := buildRecognizer(pattern, pc)
		if err != nil {
			return nil, err
		}
		if err := set.ASR.Handle(pattern, r); err != nil {
			return nil, fmt.Errorf("server: register asr %q: %w", pattern, err)
		}
	}
	for pattern, pc := range cfg.LLM {
		d, err := buildDriver(ctx, pattern, pc)
		if err != nil {
			return nil, err
		}
		if err := set.LLM.Handle(pattern, d); err != nil {
			return nil, fmt.Errorf("server: register llm %q: %w", pattern, err)
		}
	}
	for pattern, pc := range cfg.TTS {
		s, err := buildSynthesizer(pattern, pc)
		if err != nil {
			return nil, err
		}
		if err := set.TTS.Handle(pattern, s); err != nil {
			return nil, fmt.Errorf("server: register tts %q: %w", pattern, err)
		}
	}
	return set, nil
}

func providerKind(pattern string) string {
	if i := strings.IndexByte(pattern, '/'); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func buildRecognizer(pattern string, pc ASRProviderConfig) (asr.Recognizer, error) {
	switch kind := providerKind(pattern); kind {
	case "volc":
		if pc.Endpoint == "" {
			return nil, fmt.Errorf("server: asr %q: endpoint is required", pattern)
		}
		return asr.NewVolc(asr.VolcConfig{
			Endpoint:   pc.Endpoint,
			AppKey:     expandSecret(pc.AppKey),
			AccessKey:  expandSecret(pc.AccessKey),
			ResourceID: pc.ResourceID,
			Language:   pc.Language,
			EnableITN:  pc.EnableITN,
			EnablePunc: pc.EnablePunc,
			Hotwords:   pc.Hotwords,
		}), nil
	default:
		return nil, fmt.Errorf("server: unknown asr provider kind %q in %q", kind, pattern)
	}
}

func buildDriver(ctx context.Context, pattern string, pc LLMProviderConfig) (gen.Driver, error) {
	apiKey := expandSecret(pc.APIKey)
	switch kind := providerKind(pattern); kind {
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("server: llm %q: api_key is required", pattern)
		}
		opts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if pc.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(pc.BaseURL))
		}
		client := openai.NewClient(opts...)
		return &gen.OpenAIDriver{Client: &client, Model: pc.Model}, nil
	case "gemini":
		if apiKey == "" {
			return nil, fmt.Errorf("server: llm %q: api_key is required", pattern)
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
		if err != nil {
			return nil, fmt.Errorf("server: llm %q: %w", pattern, err)
		}
		return &gen.GeminiDriver{Client: client, Model: pc.Model}, nil
	default:
		return nil, fmt.Errorf("server: unknown llm provider kind %q in %q", kind, pattern)
	}
}

func buildSynthesizer(pattern string, pc TTSProviderConfig) (tts.Synthesizer, error) {
	switch kind := providerKind(pattern); kind {
	case "openai":
		apiKey := expandSecret(pc.APIKey)
		if apiKey == "" {
			return nil, fmt.Errorf("server: tts %q: api_key is required", pattern)
		}
		opts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if pc.BaseURL != "" {
			opts = append(opts, option.WithBaseURL(pc.BaseURL))
		}
		client := openai.NewClient(opts...)
		return &tts.OpenAISpeech{
			Client:       &client,
			Model:        pc.Model,
			Voice:        pc.Voice,
			Speed:        pc.Speed,
			Instructions: pc.Instructions,
		}, nil
	default:
		return nil, fmt.Errorf("server: unknown tts provider kind %q in %q", kind, pattern)
	}
}
