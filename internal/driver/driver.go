// Package driver runs the per-segment synthesis loop: one remote call at a
// time, a cooldown after each success, bounded retries for quota failures and
// immediate abandonment for anything else.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxAttempts   = 3
	DefaultCooldown      = 12 * time.Second
	DefaultQuotaCooldown = 60 * time.Second
)

// State is the position of one segment in the retry state machine.
type State string

const (
	StatePending    State = "pending"
	StateOversized  State = "oversized"
	StateAttempting State = "attempting"
	StateQuotaWait  State = "quota_wait"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateAbandoned  State = "abandoned"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether the segment is resolved.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAbandoned
}

// Progress is emitted on every state transition.
type Progress struct {
	Index     int
	Completed int
	Total     int
	State     State
	Attempt   int
	Wait      time.Duration
	Error     string
}

// Fraction is Completed over Total.
func (p Progress) Fraction() float64 {
	if p.Total == 0 {
		return 1
	}
	return float64(p.Completed) / float64(p.Total)
}

type Reporter interface {
	Report(Progress)
}

type ReporterFunc func(Progress)

func (f ReporterFunc) Report(p Progress) { f(p) }

// PartSink stores the audio produced for a segment and returns its location.
type PartSink interface {
	WritePart(index int, data []byte) (string, error)
}

// Part is the audio of one successful segment.
type Part struct {
	Index    int
	Text     string
	Path     string
	Attempts int
}

// Outcome lists the parts in segment order plus what was lost.
type Outcome struct {
	Parts     []Part
	Succeeded int
	Abandoned int
	Cancelled bool
	// Failures maps abandoned segment indexes to the last error seen.
	Failures map[int]string
}

// Config controls pacing and retries.
type Config struct {
	Cooldown     time.Duration
	QuotaBackoff backoff.BackOff
	MaxAttempts  int
	Classifier   synth.Classifier
	Waiter       Waiter
	Reporter     Reporter
}

// ConfigFromRun maps run options onto a driver Config.
func ConfigFromRun(run config.RunConfig, classifier synth.Classifier) Config {
	return Config{
		Cooldown:     seconds(run.CooldownSeconds),
		QuotaBackoff: QuotaPolicy(run.QuotaBackoff, seconds(run.QuotaCooldownSeconds)),
		MaxAttempts:  run.MaxAttemptsPerSegment,
		Classifier:   classifier,
	}
}

// QuotaPolicy returns the wait schedule used between quota retries. The
// exponential policy doubles from base up to four times base.
func QuotaPolicy(mode string, base time.Duration) backoff.BackOff {
	if mode == "exponential" {
		b := &backoff.ExponentialBackOff{
			InitialInterval: base,
			Multiplier:      2,
			MaxInterval:     4 * base,
		}
		b.Reset()
		return b
	}
	return backoff.NewConstantBackOff(base)
}

// seconds converts a cooldown, clamped to [0, config.MaxCooldownSeconds].
func seconds(v float64) time.Duration {
	switch {
	case !(v > 0):
		return 0
	case v > config.MaxCooldownSeconds:
		v = config.MaxCooldownSeconds
	}
	return time.Duration(v * float64(time.Second))
}

type Driver struct {
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	succeeded   metric.Int64Counter
	abandoned   metric.Int64Counter
	quotaRetry  metric.Int64Counter
	callLatency metric.Float64Histogram
}

func New(cfg Config, logger *slog.Logger) *Driver {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.QuotaBackoff == nil {
		cfg.QuotaBackoff = backoff.NewConstantBackOff(DefaultQuotaCooldown)
	}
	if cfg.Classifier == nil {
		cfg.Classifier = synth.NewClassifier(nil)
	}
	if cfg.Waiter == nil {
		cfg.Waiter = TimerWaiter{}
	}
	if cfg.Reporter == nil {
		cfg.Reporter = ReporterFunc(func(Progress) {})
	}
	d := &Driver{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "driver")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-narrator/driver"),
	}
	if err := d.initMetrics(); err != nil {
		d.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return d
}

func (d *Driver) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-narrator/driver")
	var err error
	if d.succeeded, err = meter.Int64Counter("narrator_segments_succeeded_total",
		metric.WithDescription("Segments synthesized successfully")); err != nil {
		return err
	}
	if d.abandoned, err = meter.Int64Counter("narrator_segments_abandoned_total",
		metric.WithDescription("Segments abandoned after a failure")); err != nil {
		return err
	}
	if d.quotaRetry, err = meter.Int64Counter("narrator_quota_retries_total",
		metric.WithDescription("Quota cooldowns taken before retrying a segment")); err != nil {
		return err
	}
	if d.callLatency, err = meter.Float64Histogram("narrator_synthesis_seconds",
		metric.WithDescription("Latency of one remote synthesis call"),
		metric.WithUnit("s")); err != nil {
		return err
	}
	return nil
}

// Run synthesizes segments in order through sess. Per-segment failures are
// contained in the Outcome. Cancelling ctx stops the loop at the next
// checkpoint and returns the parts produced so far with Cancelled set. The
// returned error is non-nil only when a part could not be stored.
func (d *Driver) Run(ctx context.Context, sess synth.Session, sink PartSink, segs []segment.Segment, voice synth.VoiceRef, params synth.Params) (Outcome, error) {
	out := Outcome{Failures: make(map[int]string)}
	total := len(segs)
	completed := 0

	for i, seg := range segs {
		if ctx.Err() != nil {
			out.Cancelled = true
			d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: StateCancelled})
			return out, nil
		}
		d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: StatePending})
		if seg.Oversized {
			d.logger.Warn("segment exceeds character budget", slog.Int("index", seg.Index), slog.Int("chars", seg.Len()))
			d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: StateOversized})
		}

		res := d.runSegment(ctx, sess, seg, total, completed, synth.Request{Text: seg.Text, Voice: voice, Params: params})
		if res.state == StateCancelled {
			out.Cancelled = true
			d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: StateCancelled, Attempt: res.attempts})
			return out, nil
		}

		completed++
		if res.state == StateSucceeded {
			path, err := sink.WritePart(seg.Index, res.audio)
			if err != nil {
				return out, fmt.Errorf("store part %d: %w", seg.Index, err)
			}
			out.Parts = append(out.Parts, Part{Index: seg.Index, Text: seg.Text, Path: path, Attempts: res.attempts})
			out.Succeeded++
			d.add(ctx, d.succeeded)
		} else {
			out.Abandoned++
			out.Failures[seg.Index] = res.err
			d.add(ctx, d.abandoned)
		}
		d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: res.state, Attempt: res.attempts, Error: res.err})

		if res.state == StateSucceeded && i < total-1 && d.cfg.Cooldown > 0 {
			if err := d.cfg.Waiter.Wait(ctx, d.cfg.Cooldown); err != nil {
				out.Cancelled = true
				d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: StateCancelled})
				return out, nil
			}
		}
	}
	return out, nil
}

type segmentResult struct {
	state    State
	audio    []byte
	attempts int
	err      string
}

func (d *Driver) runSegment(ctx context.Context, sess synth.Session, seg segment.Segment, total, completed int, req synth.Request) segmentResult {
	ctx, span := d.tracer.Start(ctx, "driver.segment", trace.WithAttributes(
		attribute.Int("segment.index", seg.Index),
		attribute.Int("segment.chars", seg.Len()),
	))
	defer span.End()

	d.cfg.QuotaBackoff.Reset()
	res := segmentResult{}
	for res.attempts < d.cfg.MaxAttempts {
		res.attempts++
		d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: StateAttempting, Attempt: res.attempts})

		start := time.Now()
		audio, err := sess.Synthesize(ctx, req)
		if d.callLatency != nil {
			d.callLatency.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			res.state = StateSucceeded
			res.audio = audio
			span.SetAttributes(attribute.Int("segment.attempts", res.attempts))
			return res
		}
		if ctx.Err() != nil {
			res.state = StateCancelled
			span.SetStatus(codes.Error, "cancelled")
			return res
		}

		res.err = err.Error()
		span.RecordError(err)
		class := d.cfg.Classifier.Classify(err)
		d.logger.Warn("segment synthesis failed",
			slog.Int("index", seg.Index),
			slog.Int("attempt", res.attempts),
			slog.String("class", class.String()),
			slogError(err),
		)
		if class != synth.Quota {
			res.state = StateFailed
			span.SetStatus(codes.Error, "failed")
			return res
		}
		if res.attempts >= d.cfg.MaxAttempts {
			break
		}

		wait := d.cfg.QuotaBackoff.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		d.report(Progress{Index: seg.Index, Completed: completed, Total: total, State: StateQuotaWait, Attempt: res.attempts, Wait: wait, Error: res.err})
		d.add(ctx, d.quotaRetry)
		if err := d.cfg.Waiter.Wait(ctx, wait); err != nil {
			res.state = StateCancelled
			span.SetStatus(codes.Error, "cancelled")
			return res
		}
	}
	res.state = StateAbandoned
	span.SetStatus(codes.Error, "quota attempts exhausted")
	return res
}

func (d *Driver) report(p Progress) {
	d.cfg.Reporter.Report(p)
}

func (d *Driver) add(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(context.WithoutCancel(ctx), 1)
	}
}

// Waiter blocks for a bounded duration or until ctx is done.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// TimerWaiter waits on a real timer.
type TimerWaiter struct{}

func (TimerWaiter) Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrCancelled marks an Outcome that stopped before every segment resolved.
var ErrCancelled = errors.New("run cancelled")

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
