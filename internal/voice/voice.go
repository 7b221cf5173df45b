// Package voice resolves the reference audio used to clone a voice for one run.
package voice

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/synth"
)

// maxReferenceBytes bounds uploads and downloads of reference audio.
const maxReferenceBytes = 32 << 20

// Source describes where the reference audio comes from. At most one of
// Data, File and URL is used, in that order. An empty Source falls back to the
// configured default reference.
type Source struct {
	Data []byte
	Name string // original file name of Data, used for its extension
	File string
	URL  string
}

// Stager places files in run-scoped storage.
type Stager interface {
	StageFile(name string, data []byte) (string, error)
}

type Resolver struct {
	cfg    config.VoiceConfig
	client *http.Client
	logger *slog.Logger
}

func NewResolver(cfg config.VoiceConfig, logger *slog.Logger) *Resolver {
	return &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger.With(slog.String("component", "voice")),
	}
}

// Resolve returns the reference for the run. Local audio is copied into the
// stager so it stays unchanged while the run is in flight.
func (r *Resolver) Resolve(ctx context.Context, stager Stager, src Source) (synth.VoiceRef, error) {
	switch {
	case len(src.Data) > 0:
		if len(src.Data) > maxReferenceBytes {
			return synth.VoiceRef{}, fmt.Errorf("reference audio exceeds %d bytes", maxReferenceBytes)
		}
		return stage(stager, src.Data, src.Name)
	case src.File != "":
		data, err := os.ReadFile(src.File)
		if err != nil {
			return synth.VoiceRef{}, fmt.Errorf("read reference audio: %w", err)
		}
		return stage(stager, data, src.File)
	}

	url := strings.TrimSpace(src.URL)
	if url == "" {
		url = strings.TrimSpace(r.cfg.DefaultURL)
	}
	if url == "" {
		return synth.VoiceRef{}, nil
	}
	if !r.cfg.FetchDefault {
		return synth.VoiceRef{ID: url, URL: url}, nil
	}

	data, err := r.fetch(ctx, url)
	if err != nil {
		return synth.VoiceRef{}, err
	}
	r.logger.Debug("reference audio fetched", slog.String("url", url), slog.Int("bytes", len(data)))
	return stage(stager, data, url)
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch reference audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch reference audio: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReferenceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch reference audio: %w", err)
	}
	if len(data) > maxReferenceBytes {
		return nil, fmt.Errorf("reference audio exceeds %d bytes", maxReferenceBytes)
	}
	return data, nil
}

func stage(stager Stager, data []byte, name string) (synth.VoiceRef, error) {
	path, err := stager.StageFile("voice"+extension(name), data)
	if err != nil {
		return synth.VoiceRef{}, err
	}
	sum := sha256.Sum256(data)
	return synth.VoiceRef{ID: hex.EncodeToString(sum[:]), Path: path}, nil
}

func extension(name string) string {
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".wav", ".mp3", ".flac", ".ogg":
		return ext
	default:
		return ".wav"
	}
}
