package synth

import (
	"context"
	"math"
	"os"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-narrator/internal/stitch"
)

type mockBackend struct {
	sampleRate int
	delay      time.Duration
}

// NewMockBackend returns a backend that renders a short 16-bit mono tone per
// segment, one tenth of a second per ten characters.
func NewMockBackend(sampleRate int) Backend {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &mockBackend{sampleRate: sampleRate, delay: 20 * time.Millisecond}
}

func (m *mockBackend) Name() string { return "mock" }

func (m *mockBackend) Open(_ context.Context) (Session, error) {
	return &mockSession{sampleRate: m.sampleRate, delay: m.delay}, nil
}

type mockSession struct {
	sampleRate int
	delay      time.Duration
}

func (m *mockSession) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.delay):
	}

	chars := utf8.RuneCountInString(req.Text)
	frames := m.sampleRate * (chars/10 + 1) / 10
	samples := make([]int, frames)
	freq := 220.0 + float64(chars%8)*55
	for i := range samples {
		samples[i] = int(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
	}

	f, err := os.CreateTemp("", "narrator_mock_*.wav")
	if err != nil {
		return nil, err
	}
	name := f.Name()
	f.Close()
	defer os.Remove(name)

	format := stitch.Format{Channels: 1, BitDepth: 16, SampleRate: m.sampleRate, AudioFormat: 1}
	if err := stitch.WriteFile(name, format, samples); err != nil {
		return nil, err
	}
	return os.ReadFile(name)
}

func (m *mockSession) Close() error { return nil }
