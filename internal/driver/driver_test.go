package driver

import (
	"context"
	"math"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedSession returns the queued error for each call (nil means success).
type scriptedSession struct {
	mu    sync.Mutex
	queue map[string][]error
	calls []string
}

func (s *scriptedSession) Synthesize(ctx context.Context, req synth.Request) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req.Text)
	if q := s.queue[req.Text]; len(q) > 0 {
		err := q[0]
		s.queue[req.Text] = q[1:]
		if err != nil {
			return nil, err
		}
	}
	return []byte("audio:" + req.Text), nil
}

func (s *scriptedSession) Close() error { return nil }

type recordingWaiter struct {
	waits []time.Duration
	// cancel, when set, is invoked on the nth wait (1-based).
	cancelAt int
	cancel   context.CancelFunc
}

func (w *recordingWaiter) Wait(ctx context.Context, d time.Duration) error {
	w.waits = append(w.waits, d)
	if w.cancel != nil && len(w.waits) == w.cancelAt {
		w.cancel()
	}
	return ctx.Err()
}

func newWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New(t.TempDir(), "test")
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	t.Cleanup(func() { _ = ws.Release() })
	return ws
}

func segs(texts ...string) []segment.Segment {
	out := make([]segment.Segment, len(texts))
	for i, text := range texts {
		out[i] = segment.Segment{Index: i, Text: text}
	}
	return out
}

func newDriver(w Waiter, r Reporter) *Driver {
	return New(Config{
		Cooldown:     12 * time.Second,
		QuotaBackoff: QuotaPolicy("constant", 60*time.Second),
		MaxAttempts:  3,
		Waiter:       w,
		Reporter:     r,
	}, testLogger())
}

func TestRunAllSucceed(t *testing.T) {
	sess := &scriptedSession{}
	waiter := &recordingWaiter{}
	var progress []Progress
	d := newDriver(waiter, ReporterFunc(func(p Progress) { progress = append(progress, p) }))

	out, err := d.Run(context.Background(), sess, newWorkspace(t), segs("One.", "Two.", "Three."), synth.VoiceRef{}, synth.Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 3 || out.Abandoned != 0 || out.Cancelled {
		t.Fatalf("unexpected outcome %+v", out)
	}
	for i, part := range out.Parts {
		if part.Index != i || part.Attempts != 1 {
			t.Fatalf("unexpected part %+v", part)
		}
		data, err := os.ReadFile(part.Path)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if string(data) != "audio:"+part.Text {
			t.Fatalf("part %d holds %q", i, data)
		}
	}
	if len(waiter.waits) != 2 || waiter.waits[0] != 12*time.Second || waiter.waits[1] != 12*time.Second {
		t.Fatalf("expected two cooldowns between three segments, got %v", waiter.waits)
	}

	last := progress[len(progress)-1]
	if last.Completed != 3 || last.Total != 3 || last.State != StateSucceeded || last.Fraction() != 1 {
		t.Fatalf("unexpected final progress %+v", last)
	}
}

func TestRunAbandonsNonQuotaFailure(t *testing.T) {
	sess := &scriptedSession{queue: map[string][]error{
		"Two.": {errors.New("CUDA out of memory")},
	}}
	waiter := &recordingWaiter{}
	var failed []Progress
	d := newDriver(waiter, ReporterFunc(func(p Progress) {
		if p.State == StateFailed {
			failed = append(failed, p)
		}
	}))

	out, err := d.Run(context.Background(), sess, newWorkspace(t), segs("One.", "Two.", "Three."), synth.VoiceRef{}, synth.Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 2 || out.Abandoned != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(out.Parts) != 2 || out.Parts[0].Index != 0 || out.Parts[1].Index != 2 {
		t.Fatalf("expected parts 0 and 2 in order, got %+v", out.Parts)
	}
	if got := len(sess.calls); got != 3 {
		t.Fatalf("non-quota failures must not be retried, calls=%d", got)
	}
	if len(failed) != 1 || failed[0].Index != 1 || failed[0].Error == "" {
		t.Fatalf("expected failure to reach the progress stream, got %+v", failed)
	}
	if out.Failures[1] != "CUDA out of memory" {
		t.Fatalf("unexpected failures %v", out.Failures)
	}
}

func TestRunRetriesQuotaThenSucceeds(t *testing.T) {
	quota := errors.New("You have exceeded your GPU quota")
	sess := &scriptedSession{queue: map[string][]error{
		"Only.": {quota, quota, nil},
	}}
	waiter := &recordingWaiter{}
	d := newDriver(waiter, nil)

	out, err := d.Run(context.Background(), sess, newWorkspace(t), segs("Only."), synth.VoiceRef{}, synth.Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Succeeded != 1 || out.Parts[0].Attempts != 3 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(waiter.waits) != 2 || waiter.waits[0] != 60*time.Second || waiter.waits[1] != 60*time.Second {
		t.Fatalf("expected exactly two quota cooldowns, got %v", waiter.waits)
	}
}

func TestRunAbandonsAtAttemptCeiling(t *testing.T) {
	quota := errors.New("quota exceeded")
	sess := &scriptedSession{queue: map[string][]error{
		"One.": {quota, quota, quota, quota},
	}}
	waiter := &recordingWaiter{}
	d := newDriver(waiter, nil)

	out, err := d.Run(context.Background(), sess, newWorkspace(t), segs("One.", "Two."), synth.VoiceRef{}, synth.Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Abandoned != 1 || out.Succeeded != 1 || out.Parts[0].Index != 1 {
		t.Fatalf("unexpected outcome %+v", out)
	}
	oneCalls := 0
	for _, c := range sess.calls {
		if c == "One." {
			oneCalls++
		}
	}
	if oneCalls != 3 {
		t.Fatalf("expected 3 attempts at the ceiling, got %d", oneCalls)
	}
	// Two quota waits between three attempts, none after the last and no
	// cooldown after the final segment.
	if len(waiter.waits) != 2 {
		t.Fatalf("unexpected waits %v", waiter.waits)
	}
}

func TestRunCancelledBetweenSegments(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &scriptedSession{}
	waiter := &recordingWaiter{cancelAt: 1, cancel: cancel}
	var states []State
	d := newDriver(waiter, ReporterFunc(func(p Progress) { states = append(states, p.State) }))

	out, err := d.Run(ctx, sess, newWorkspace(t), segs("One.", "Two.", "Three."), synth.VoiceRef{}, synth.Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Cancelled || len(out.Parts) != 1 || out.Parts[0].Index != 0 {
		t.Fatalf("expected partial outcome with first part, got %+v", out)
	}
	if len(sess.calls) != 1 {
		t.Fatalf("no calls expected after cancellation, got %v", sess.calls)
	}
	if states[len(states)-1] != StateCancelled {
		t.Fatalf("expected cancelled as last state, got %v", states)
	}
}

func TestRunCancelledDuringQuotaWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess := &scriptedSession{queue: map[string][]error{"One.": {errors.New("quota")}}}
	waiter := &recordingWaiter{cancelAt: 1, cancel: cancel}
	d := newDriver(waiter, nil)

	out, err := d.Run(ctx, sess, newWorkspace(t), segs("One."), synth.VoiceRef{}, synth.Params{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.Cancelled || out.Abandoned != 0 || len(out.Parts) != 0 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

type failingSink struct{}

func (failingSink) WritePart(index int, _ []byte) (string, error) {
	return "", fmt.Errorf("disk full writing %d", index)
}

func TestRunSurfacesSinkErrors(t *testing.T) {
	d := newDriver(&recordingWaiter{}, nil)
	if _, err := d.Run(context.Background(), &scriptedSession{}, failingSink{}, segs("One."), synth.VoiceRef{}, synth.Params{}); err == nil {
		t.Fatal("expected sink error")
	}
}

func TestExponentialQuotaPolicy(t *testing.T) {
	b := QuotaPolicy("exponential", time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Fatalf("step %d: got %v want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Fatalf("reset should restart at the base interval, got %v", got)
	}
}

func TestConfigFromRun(t *testing.T) {
	run := config.Default().Run
	cfg := ConfigFromRun(run, nil)
	if cfg.Cooldown != 12*time.Second || cfg.MaxAttempts != 3 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if got := cfg.QuotaBackoff.NextBackOff(); got != 60*time.Second {
		t.Fatalf("unexpected quota cooldown %v", got)
	}
}

func TestConfigFromRunClampsCooldowns(t *testing.T) {
	run := config.Default().Run
	run.CooldownSeconds = 1e300
	run.QuotaCooldownSeconds = math.NaN()
	cfg := ConfigFromRun(run, nil)
	if cfg.Cooldown != config.MaxCooldownSeconds*time.Second {
		t.Fatalf("expected cooldown clamped to the bound, got %v", cfg.Cooldown)
	}
	if got := cfg.QuotaBackoff.NextBackOff(); got != 0 {
		t.Fatalf("expected NaN quota cooldown to become 0, got %v", got)
	}

	run.CooldownSeconds = math.Inf(-1)
	if cfg := ConfigFromRun(run, nil); cfg.Cooldown != 0 {
		t.Fatalf("expected negative cooldown to become 0, got %v", cfg.Cooldown)
	}
}

func TestTimerWaiterHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (TimerWaiter{}).Wait(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := (TimerWaiter{}).Wait(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}
