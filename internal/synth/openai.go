package synth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures the OpenAI speech endpoint. The endpoint has no
// voice cloning; the run's voice reference is ignored.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string // default: tts-1
	Voice   string // default: alloy
}

type openAIBackend struct {
	cfg    OpenAIConfig
	logger *slog.Logger
}

func NewOpenAIBackend(cfg OpenAIConfig, logger *slog.Logger) Backend {
	if cfg.Model == "" {
		cfg.Model = string(openai.TTSModel1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.VoiceAlloy)
	}
	return &openAIBackend{cfg: cfg, logger: logger.With(slog.String("component", "synth-openai"))}
}

func (b *openAIBackend) Name() string { return "openai" }

func (b *openAIBackend) Open(_ context.Context) (Session, error) {
	if b.cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	clientCfg := openai.DefaultConfig(b.cfg.APIKey)
	if b.cfg.BaseURL != "" {
		clientCfg.BaseURL = b.cfg.BaseURL
	}
	return &openAISession{client: openai.NewClientWithConfig(clientCfg), cfg: b.cfg, logger: b.logger}, nil
}

type openAISession struct {
	client     *openai.Client
	cfg        OpenAIConfig
	logger     *slog.Logger
	warnedOnce sync.Once
}

func (s *openAISession) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if !req.Voice.IsZero() {
		s.warnedOnce.Do(func() {
			s.logger.Warn("openai backend ignores the voice reference", slog.String("voice", s.cfg.Voice))
		})
	}
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.cfg.Model),
		Input:          req.Text,
		Voice:          openai.SpeechVoice(s.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	if err != nil {
		return nil, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read openai audio: %w", err)
	}
	return data, nil
}

func (s *openAISession) Close() error { return nil }
