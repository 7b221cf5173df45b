package synth

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// GradioConfig addresses a Gradio app such as the ResembleAI/Chatterbox Space.
type GradioConfig struct {
	Endpoint string // e.g. https://resembleai-chatterbox.hf.space
	APIName  string // e.g. /generate_tts_audio
	Token    string // optional Hugging Face token
	Timeout  time.Duration
}

type gradioBackend struct {
	cfg    GradioConfig
	logger *slog.Logger
}

func NewGradioBackend(cfg GradioConfig, logger *slog.Logger) Backend {
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	cfg.APIName = strings.TrimPrefix(cfg.APIName, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Minute
	}
	return &gradioBackend{cfg: cfg, logger: logger.With(slog.String("component", "synth-gradio"))}
}

func (b *gradioBackend) Name() string { return "gradio" }

func (b *gradioBackend) Open(_ context.Context) (Session, error) {
	if b.cfg.Endpoint == "" {
		return nil, errors.New("gradio endpoint empty")
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	return &gradioSession{
		cfg:       b.cfg,
		logger:    b.logger,
		transport: transport,
		client:    &http.Client{Transport: transport, Timeout: b.cfg.Timeout},
		uploads:   make(map[string]fileData),
	}, nil
}

type gradioSession struct {
	cfg       GradioConfig
	logger    *slog.Logger
	transport *http.Transport
	client    *http.Client

	mu      sync.Mutex
	uploads map[string]fileData
}

type fileData struct {
	Path     string            `json:"path"`
	URL      string            `json:"url,omitempty"`
	OrigName string            `json:"orig_name,omitempty"`
	Meta     map[string]string `json:"meta,omitempty"`
}

var gradioFileMeta = map[string]string{"_type": "gradio.FileData"}

type callResponse struct {
	EventID string `json:"event_id"`
}

func (s *gradioSession) Close() error {
	s.transport.CloseIdleConnections()
	return nil
}

func (s *gradioSession) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	voice, err := s.voiceInput(ctx, req.Voice)
	if err != nil {
		return nil, err
	}

	// Positional inputs of the Chatterbox generate_tts_audio endpoint.
	payload := map[string]any{
		"data": []any{
			req.Text,
			voice,
			req.Params.Exaggeration,
			req.Params.Temperature,
			req.Params.Seed,
			req.Params.CFGWeight,
			req.Params.TrimSilence,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	callURL := fmt.Sprintf("%s/gradio_api/call/%s", s.cfg.Endpoint, s.cfg.APIName)
	var call callResponse
	if err := s.doJSON(ctx, http.MethodPost, callURL, "application/json", bytes.NewReader(body), &call); err != nil {
		return nil, fmt.Errorf("submit synthesis: %w", err)
	}
	if call.EventID == "" {
		return nil, errors.New("submit synthesis: empty event id")
	}

	out, err := s.await(ctx, callURL+"/"+call.EventID)
	if err != nil {
		return nil, err
	}
	return s.download(ctx, out)
}

// voiceInput returns the FileData for the reference audio, uploading local
// files once per session.
func (s *gradioSession) voiceInput(ctx context.Context, v VoiceRef) (any, error) {
	switch {
	case v.Path != "":
		s.mu.Lock()
		fd, ok := s.uploads[v.Path]
		s.mu.Unlock()
		if ok {
			return fd, nil
		}
		fd, err := s.upload(ctx, v.Path)
		if err != nil {
			return nil, fmt.Errorf("upload voice reference: %w", err)
		}
		s.mu.Lock()
		s.uploads[v.Path] = fd
		s.mu.Unlock()
		return fd, nil
	case v.URL != "":
		return fileData{Path: v.URL, URL: v.URL, OrigName: baseName(v.URL), Meta: gradioFileMeta}, nil
	default:
		return nil, nil
	}
}

func (s *gradioSession) upload(ctx context.Context, localPath string) (fileData, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return fileData{}, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("files", filepath.Base(localPath))
	if err != nil {
		return fileData{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return fileData{}, err
	}
	if err := mw.Close(); err != nil {
		return fileData{}, err
	}

	var paths []string
	uploadURL := s.cfg.Endpoint + "/gradio_api/upload"
	if err := s.doJSON(ctx, http.MethodPost, uploadURL, mw.FormDataContentType(), &buf, &paths); err != nil {
		return fileData{}, err
	}
	if len(paths) == 0 {
		return fileData{}, errors.New("upload returned no paths")
	}
	s.logger.Debug("voice reference uploaded", slog.String("remote_path", paths[0]))
	return fileData{Path: paths[0], OrigName: filepath.Base(localPath), Meta: gradioFileMeta}, nil
}

// await reads the server-sent event stream of a queued call until it
// completes or fails.
func (s *gradioSession) await(ctx context.Context, streamURL string) (fileData, error) {
	resp, err := s.do(ctx, http.MethodGet, streamURL, "", nil)
	if err != nil {
		return fileData{}, fmt.Errorf("await synthesis: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				return parseOutput(data)
			case "error":
				return fileData{}, &RemoteError{Message: errorMessage(data)}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fileData{}, fmt.Errorf("read event stream: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fileData{}, err
	}
	return fileData{}, errors.New("event stream ended without a result")
}

func (s *gradioSession) download(ctx context.Context, fd fileData) ([]byte, error) {
	target := fd.URL
	if target == "" {
		if fd.Path == "" {
			return nil, errors.New("synthesis result has no file")
		}
		target = s.cfg.Endpoint + "/gradio_api/file=" + fd.Path
	}
	resp, err := s.do(ctx, http.MethodGet, target, "", nil)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("download audio: %w", err)
	}
	return data, nil
}

func (s *gradioSession) doJSON(ctx context.Context, method, target, contentType string, body io.Reader, out any) error {
	resp, err := s.do(ctx, method, target, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (s *gradioSession) do(ctx context.Context, method, target, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

func parseOutput(data string) (fileData, error) {
	var outputs []json.RawMessage
	if err := json.Unmarshal([]byte(data), &outputs); err != nil {
		return fileData{}, fmt.Errorf("decode synthesis output: %w", err)
	}
	if len(outputs) == 0 {
		return fileData{}, errors.New("synthesis output empty")
	}
	var fd fileData
	if err := json.Unmarshal(outputs[0], &fd); err != nil {
		// Older apps return a bare path string.
		var p string
		if err2 := json.Unmarshal(outputs[0], &p); err2 != nil {
			return fileData{}, fmt.Errorf("decode synthesis file: %w", err)
		}
		fd.Path = p
	}
	return fd, nil
}

// errorMessage extracts the text of an SSE error payload, which is either
// null, a JSON string, or an object with a message field.
func errorMessage(data string) string {
	if data == "" || data == "null" {
		return ""
	}
	var msg string
	if err := json.Unmarshal([]byte(data), &msg); err == nil {
		return msg
	}
	var obj struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal([]byte(data), &obj); err == nil {
		if obj.Message != "" {
			return obj.Message
		}
		if obj.Error != "" {
			return obj.Error
		}
	}
	return data
}

func baseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return filepath.Base(rawURL)
	}
	return filepath.Base(u.Path)
}
