package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

// execBackend runs a local command per segment. The command receives an
// execRequest on stdin and prints an execResponse on stdout.
type execBackend struct {
	cmd []string
}

type execRequest struct {
	Text         string  `json:"text"`
	VoicePath    string  `json:"voice_path,omitempty"`
	VoiceURL     string  `json:"voice_url,omitempty"`
	Exaggeration float64 `json:"exaggeration"`
	Temperature  float64 `json:"temperature"`
	Seed         int64   `json:"seed"`
	CFGWeight    float64 `json:"cfg_weight"`
	TrimSilence  bool    `json:"trim_silence"`
}

type execResponse struct {
	AudioPath string `json:"audio_path"`
	Error     string `json:"error"`
}

func NewExecBackend(command string) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synth command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("synth command empty")
	}
	return &execBackend{cmd: args}, nil
}

func (e *execBackend) Name() string { return "exec" }

func (e *execBackend) Open(_ context.Context) (Session, error) {
	return &execSession{cmd: e.cmd}, nil
}

type execSession struct {
	cmd []string
	mu  sync.Mutex
}

func (e *execSession) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	input, err := json.Marshal(execRequest{
		Text:         req.Text,
		VoicePath:    req.Voice.Path,
		VoiceURL:     req.Voice.URL,
		Exaggeration: req.Params.Exaggeration,
		Temperature:  req.Params.Temperature,
		Seed:         req.Params.Seed,
		CFGWeight:    req.Params.CFGWeight,
		TrimSilence:  req.Params.TrimSilence,
	})
	if err != nil {
		return nil, err
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = bytes.NewReader(input)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, &RemoteError{Message: string(msg)}
		}
		return nil, fmt.Errorf("synth command failed: %w", err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("decode synth response: %w", err)
	}
	if resp.Error != "" {
		return nil, &RemoteError{Message: resp.Error}
	}
	if resp.AudioPath == "" {
		return nil, fmt.Errorf("synth response has no audio_path")
	}
	data, err := os.ReadFile(resp.AudioPath)
	if err != nil {
		return nil, fmt.Errorf("read synth audio: %w", err)
	}
	_ = os.Remove(resp.AudioPath)
	return data, nil
}

func (e *execSession) Close() error { return nil }
