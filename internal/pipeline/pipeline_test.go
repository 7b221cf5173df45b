package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/driver"
	"github.com/loqalabs/loqa-narrator/internal/ledger"
	"github.com/loqalabs/loqa-narrator/internal/stitch"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// toneBackend renders one frame per character at the given rate, or the
// error registered for the segment text.
type toneBackend struct {
	mu       sync.Mutex
	dir      string
	rates    map[string]int
	failures map[string]error
	opened   int
	closed   int
	voices   []synth.VoiceRef
}

func (b *toneBackend) Name() string { return "tone" }

func (b *toneBackend) Open(context.Context) (synth.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	return b, nil
}

func (b *toneBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

func (b *toneBackend) Synthesize(_ context.Context, req synth.Request) ([]byte, error) {
	b.mu.Lock()
	b.voices = append(b.voices, req.Voice)
	err := b.failures[req.Text]
	rate := b.rates[req.Text]
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if rate == 0 {
		rate = 8000
	}
	samples := make([]int, len(req.Text))
	for i := range samples {
		samples[i] = i * 100
	}
	f, err := os.CreateTemp(b.dir, "tone_*.wav")
	if err != nil {
		return nil, err
	}
	f.Close()
	if err := stitch.WriteFile(f.Name(), stitch.Format{Channels: 1, BitDepth: 16, SampleRate: rate, AudioFormat: 1}, samples); err != nil {
		return nil, err
	}
	return os.ReadFile(f.Name())
}

type noWait struct{}

func (noWait) Wait(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type harness struct {
	pipeline *Pipeline
	backend  *toneBackend
	ledger   *ledger.Ledger
	workDir  string
	outDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		backend: &toneBackend{dir: t.TempDir(), rates: map[string]int{}, failures: map[string]error{}},
		workDir: filepath.Join(root, "work"),
		outDir:  filepath.Join(root, "out"),
	}
	l, err := ledger.Open(context.Background(), config.LedgerConfig{Path: filepath.Join(root, "runs.db"), RetentionMode: "session"}, testLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	h.ledger = l
	h.pipeline = New(Options{
		Backend:   h.backend,
		Resolver:  voice.NewResolver(config.VoiceConfig{DefaultURL: config.DefaultVoiceURL}, testLogger()),
		Recorder:  l,
		Waiter:    noWait{},
		WorkDir:   h.workDir,
		OutputDir: h.outDir,
		Logger:    testLogger(),
	})
	return h
}

func job(text string) Job {
	run := config.Default().Run
	run.MaxCharsPerSegment = 20
	return Job{Text: text, Run: run}
}

func (h *harness) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	if err != nil && !os.IsNotExist(err) {
		t.Fatalf("read work dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected run workspace to be released, found %d entries", len(entries))
	}
}

func TestRunStitchesAllSegments(t *testing.T) {
	h := newHarness(t)
	var events []Event
	j := job("Hello world. This is a test. Goodbye.")
	j.Progress = func(e Event) { events = append(events, e) }

	res, err := h.pipeline.Run(context.Background(), j)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Segments != 3 || res.Succeeded != 3 || res.Abandoned != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	wantFrames := len("Hello world.") + len("This is a test.") + len("Goodbye.")
	if res.Frames != wantFrames {
		t.Fatalf("frames %d, want %d", res.Frames, wantFrames)
	}
	f, samples, err := stitch.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if f.SampleRate != 8000 || len(samples) != wantFrames {
		t.Fatalf("unexpected output %s with %d samples", f, len(samples))
	}
	if filepath.Dir(res.OutputPath) != h.outDir {
		t.Fatalf("output written to %s", res.OutputPath)
	}
	h.assertWorkDirEmpty(t)

	if h.backend.opened != 1 || h.backend.closed != 1 {
		t.Fatalf("expected one session per run, opened=%d closed=%d", h.backend.opened, h.backend.closed)
	}
	for _, v := range h.backend.voices {
		if v.URL != config.DefaultVoiceURL {
			t.Fatalf("expected default voice on every call, got %+v", v)
		}
	}

	last := events[len(events)-1]
	if last.RunID != res.RunID || last.Completed != 3 || last.Total != 3 {
		t.Fatalf("unexpected final event %+v", last)
	}
	run, err := h.ledger.GetRun(context.Background(), res.RunID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != ledger.StatusCompleted || run.OutputPath != res.OutputPath {
		t.Fatalf("unexpected ledger run %+v", run)
	}
}

func TestRunKeepsOrderAroundAbandonedSegment(t *testing.T) {
	h := newHarness(t)
	h.backend.failures["This is a test."] = errors.New("CUDA error: device-side assert")
	j := job("Hello world. This is a test. Goodbye.")
	j.Output = filepath.Join(t.TempDir(), "nested", "story.wav")

	res, err := h.pipeline.Run(context.Background(), j)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Succeeded != 2 || res.Abandoned != 1 || res.OutputPath != j.Output {
		t.Fatalf("unexpected result %+v", res)
	}
	_, samples, err := stitch.ReadFile(res.OutputPath)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	// Each tone restarts its ramp, so the boundary between parts is visible.
	first, third := len("Hello world."), len("Goodbye.")
	if len(samples) != first+third || samples[first] != 0 || samples[first-1] != (first-1)*100 {
		t.Fatalf("unexpected stitched samples (len %d)", len(samples))
	}
	run, _ := h.ledger.GetRun(context.Background(), res.RunID)
	if run.Status != ledger.StatusPartial || run.Abandoned != 1 {
		t.Fatalf("unexpected ledger run %+v", run)
	}
}

func TestRunRejectsBlankText(t *testing.T) {
	h := newHarness(t)
	if _, err := h.pipeline.Run(context.Background(), job("  \n ")); !errors.Is(err, ErrNoText) {
		t.Fatalf("expected ErrNoText, got %v", err)
	}
	if h.backend.opened != 0 {
		t.Fatal("no session should be opened for blank text")
	}
}

func TestRunAllSegmentsFail(t *testing.T) {
	h := newHarness(t)
	h.backend.failures["Only one."] = errors.New("boom")

	res, err := h.pipeline.Run(context.Background(), job("Only one."))
	if !errors.Is(err, ErrEmptyRun) {
		t.Fatalf("expected ErrEmptyRun, got %v", err)
	}
	if res.OutputPath != "" {
		t.Fatalf("no output expected, got %s", res.OutputPath)
	}
	entries, _ := os.ReadDir(h.outDir)
	if len(entries) != 0 {
		t.Fatalf("expected no output files, found %d", len(entries))
	}
	h.assertWorkDirEmpty(t)
	run, _ := h.ledger.GetRun(context.Background(), res.RunID)
	if run.Status != ledger.StatusFailed || !strings.Contains(run.Error, "segments failed") {
		t.Fatalf("unexpected ledger run %+v", run)
	}
}

func TestRunFormatMismatch(t *testing.T) {
	h := newHarness(t)
	h.backend.rates["Goodbye."] = 16000

	res, err := h.pipeline.Run(context.Background(), job("Hello world. Goodbye."))
	var mismatch *stitch.FormatMismatchError
	if !errors.Is(err, ErrFormatMismatch) || !errors.As(err, &mismatch) || mismatch.Part != 1 {
		t.Fatalf("expected format mismatch on part 1, got %v", err)
	}
	entries, _ := os.ReadDir(h.outDir)
	if len(entries) != 0 || res.OutputPath != "" {
		t.Fatal("partially written output must be removed")
	}
	h.assertWorkDirEmpty(t)
}

func TestRunCancelledReturnsPartialAudio(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	j := job("Hello world. This is a test. Goodbye.")
	j.Progress = func(e Event) {
		if e.State == driver.StateSucceeded && e.Index == 0 {
			cancel()
		}
	}

	res, err := h.pipeline.Run(ctx, j)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Cancelled || res.Succeeded != 1 || res.Frames != len("Hello world.") {
		t.Fatalf("unexpected result %+v", res)
	}
	h.assertWorkDirEmpty(t)
	run, _ := h.ledger.GetRun(context.Background(), res.RunID)
	if run.Status != ledger.StatusCancelled {
		t.Fatalf("unexpected ledger status %s", run.Status)
	}
}

func TestRunStagesUploadedVoice(t *testing.T) {
	h := newHarness(t)
	j := job("Hello world.")
	j.Voice = voice.Source{Data: []byte("my-voice"), Name: "me.wav"}

	if _, err := h.pipeline.Run(context.Background(), j); err != nil {
		t.Fatalf("run: %v", err)
	}
	v := h.backend.voices[0]
	if v.Path == "" || v.URL != "" {
		t.Fatalf("expected staged voice file, got %+v", v)
	}
	if _, err := os.Stat(v.Path); !os.IsNotExist(err) {
		t.Fatal("staged voice must be deleted with the workspace")
	}
}

func TestRunRejectsInvalidOptions(t *testing.T) {
	h := newHarness(t)
	j := job("Hello.")
	j.Run.Temperature = 1.5
	if _, err := h.pipeline.Run(context.Background(), j); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRunRejectsDuplicateRunID(t *testing.T) {
	h := newHarness(t)
	j := job("Hello world.")
	j.ID = "narration-1"
	first, err := h.pipeline.Run(context.Background(), j)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}

	j.Text = "Something else entirely."
	j.Output = filepath.Join(h.outDir, "second.wav")
	if _, err := h.pipeline.Run(context.Background(), j); !errors.Is(err, ledger.ErrDuplicateRun) {
		t.Fatalf("expected ErrDuplicateRun, got %v", err)
	}
	if _, err := os.Stat(j.Output); !os.IsNotExist(err) {
		t.Fatal("duplicate run must not produce output")
	}

	run, err := h.ledger.GetRun(context.Background(), "narration-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != ledger.StatusCompleted || run.OutputPath != first.OutputPath || run.Error != "" {
		t.Fatalf("first run was overwritten: %+v", run)
	}
	h.assertWorkDirEmpty(t)
}

func TestRunRejectsMalformedRunID(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"../escape", "a.b", "run*", "run>", strings.Repeat("x", 65)} {
		j := job("Hello world.")
		j.ID = id
		if _, err := h.pipeline.Run(context.Background(), j); !errors.Is(err, ErrInvalidRunID) {
			t.Fatalf("%q: expected ErrInvalidRunID, got %v", id, err)
		}
	}
	if h.backend.opened != 0 {
		t.Fatal("no session should be opened for a rejected id")
	}
	if !ValidRunID("3f1c2a9e-6d1b-4c8e-9a57-0b8f3f0e2d11") || !ValidRunID("first") {
		t.Fatal("uuid and plain ids must be accepted")
	}
}
