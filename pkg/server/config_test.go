package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
listen:
  addr: ":9000"
agent:
  system_prompt: "You are a helpful voice assistant."
  asr: volc/streaming
  llm: openai/gpt-4o-mini
  tts: openai/gpt-4o-mini-tts
  temperature: 0.7
dialog:
  commit_timeout: 500ms
  total_timeout: 2m
resume:
  backend: badger
  dir: data/sessions
  ttl: 15m
providers:
  asr:
    volc/streaming:
      endpoint: wss://openspeech.example.com/api/v3/sauc/bigmodel
      app_key: $VOLC_APP_KEY
      access_key: $VOLC_ACCESS_KEY
      language: zh-CN
      enable_punc: true
  llm:
    openai/+:
      api_key: $OPENAI_API_KEY
  tts:
    openai/gpt-4o-mini-tts:
      api_key: $OPENAI_API_KEY
      voice: alloy
      speed: 1.1
`

func writeConfig(t *testing.T, text string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voxloop.yaml")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	t.Setenv("PROJECT_ROOT_PATH", root)

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Listen.Addr != ":9000" {
		t.Errorf("addr = %q", cfg.Listen.Addr)
	}
	if cfg.Listen.Path != DefaultPath {
		t.Errorf("default path = %q", cfg.Listen.Path)
	}
	if cfg.Listen.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("default idle timeout = %v", cfg.Listen.IdleTimeout)
	}
	if cfg.Dialog.CommitTimeout != 500*time.Millisecond {
		t.Errorf("commit timeout = %v", cfg.Dialog.CommitTimeout)
	}
	if cfg.Dialog.TotalTimeout != 2*time.Minute {
		t.Errorf("total timeout = %v", cfg.Dialog.TotalTimeout)
	}
	if cfg.Resume.TTL != 15*time.Minute {
		t.Errorf("resume ttl = %v", cfg.Resume.TTL)
	}
	if want := filepath.Join(root, "data/sessions"); cfg.Resume.Dir != want {
		t.Errorf("resume dir = %q, want %q", cfg.Resume.Dir, want)
	}

	asr, ok := cfg.Providers.ASR["volc/streaming"]
	if !ok || !asr.EnablePunc || asr.Language != "zh-CN" {
		t.Errorf("asr provider = %+v", asr)
	}
	ttsCfg := cfg.Providers.TTS["openai/gpt-4o-mini-tts"]
	if ttsCfg.Voice != "alloy" || ttsCfg.Speed != 1.1 {
		t.Errorf("tts provider = %+v", ttsCfg)
	}
}

func TestLoadConfigRejectsUnmatchedSelection(t *testing.T) {
	bad := strings.Replace(sampleConfig, "llm: openai/gpt-4o-mini", "llm: gemini/flash", 1)
	_, err := LoadConfig(writeConfig(t, bad))
	if err == nil || !strings.Contains(err.Error(), "no provider config matches") {
		t.Fatalf("err = %v, want unmatched selection error", err)
	}
}

func TestLoadConfigRejectsBadResumeBackend(t *testing.T) {
	bad := strings.Replace(sampleConfig, "backend: badger", "backend: redis", 1)
	_, err := LoadConfig(writeConfig(t, bad))
	if err == nil || !strings.Contains(err.Error(), "unknown resume backend") {
		t.Fatalf("err = %v, want backend error", err)
	}
}

func TestHasProviderWildcards(t *testing.T) {
	tests := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{[]string{"openai/gpt-4o-mini"}, "openai/gpt-4o-mini", true},
		{[]string{"openai/+"}, "openai/gpt-4o-mini", true},
		{[]string{"openai/+"}, "openai/a/b", false},
		{[]string{"volc/#"}, "volc/streaming/small", true},
		{[]string{"openai/+"}, "gemini/flash", false},
		{[]string{}, "openai/gpt-4o-mini", false},
	}
	for _, tc := range tests {
		if got := hasProvider(tc.patterns, tc.name); got != tc.want {
			t.Errorf("hasProvider(%v, %q) = %v, want %v", tc.patterns, tc.name, got, tc.want)
		}
	}
}

func TestExpandSecret(t *testing.T) {
	t.Setenv("VOX_TEST_KEY", "sk-123")
	if got := expandSecret("$VOX_TEST_KEY"); got != "sk-123" {
		t.Errorf("expandSecret env ref = %q", got)
	}
	if got := expandSecret("literal-key"); got != "literal-key" {
		t.Errorf("expandSecret literal = %q", got)
	}
}
