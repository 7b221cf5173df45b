// Package pipeline turns one block of text into one narrated WAV file:
// segmentation, sequential synthesis and stitching, with every temporary
// artifact scoped to the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/driver"
	"github.com/loqalabs/loqa-narrator/internal/ledger"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/stitch"
	"github.com/loqalabs/loqa-narrator/internal/synth"
	"github.com/loqalabs/loqa-narrator/internal/voice"
	"github.com/loqalabs/loqa-narrator/internal/workspace"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNoText rejects blank input before any work is done.
	ErrNoText = errors.New("please enter some text")
	// ErrEmptyRun means the run produced no audio at all.
	ErrEmptyRun = stitch.ErrEmptyRun
	// ErrFormatMismatch means the parts could not be stitched losslessly.
	ErrFormatMismatch = stitch.ErrFormatMismatch
	// ErrInvalidRunID rejects IDs that cannot name a workspace or a bus subject.
	ErrInvalidRunID = errors.New("run id must be 1-64 characters of letters, digits, '-' or '_'")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidRunID reports whether id is usable as a run ID.
func ValidRunID(id string) bool { return runIDPattern.MatchString(id) }

// Job is one narration request.
type Job struct {
	ID     string // generated when empty
	Text   string
	Voice  voice.Source
	Run    config.RunConfig
	Output string // destination WAV; defaults to <OutputDir>/narration_<id>.wav
	// Progress receives every segment transition of this job.
	Progress func(Event)
}

// Event is a driver transition tagged with its run.
type Event struct {
	RunID string
	driver.Progress
}

// Result is the outcome of a run that produced audio.
type Result struct {
	RunID      string
	OutputPath string
	Segments   int
	Succeeded  int
	Abandoned  int
	Cancelled  bool
	Failures   map[int]string
	Format     stitch.Format
	Frames     int
	Duration   time.Duration
}

// Recorder persists runs. *ledger.Ledger implements it.
type Recorder interface {
	BeginRun(ctx context.Context, run ledger.Run) error
	RecordProgress(ctx context.Context, evt ledger.SegmentEvent) error
	FinishRun(ctx context.Context, runID string, sum ledger.Summary) error
}

type Options struct {
	Backend    synth.Backend
	Resolver   *voice.Resolver
	Recorder   Recorder
	Classifier synth.Classifier
	Waiter     driver.Waiter
	WorkDir    string
	OutputDir  string
	Logger     *slog.Logger
}

type Pipeline struct {
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
}

func New(opts Options) *Pipeline {
	if opts.Classifier == nil {
		opts.Classifier = synth.NewClassifier(nil)
	}
	if opts.OutputDir == "" {
		opts.OutputDir = os.TempDir()
	}
	return &Pipeline{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer("github.com/loqalabs/loqa-narrator/pipeline"),
	}
}

// Run executes job. A run that stitched at least one part returns a Result,
// possibly with abandoned segments or Cancelled set. A run with no audio
// returns an error wrapping ErrEmptyRun, ErrNoText or the cause.
func (p *Pipeline) Run(ctx context.Context, job Job) (res Result, err error) {
	if strings.TrimSpace(job.Text) == "" {
		return Result{}, ErrNoText
	}
	if err := config.ValidateRun(job.Run); err != nil {
		return Result{}, err
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if !ValidRunID(job.ID) {
		return Result{}, ErrInvalidRunID
	}
	res = Result{RunID: job.ID}
	logger := p.logger.With(slog.String("run_id", job.ID))

	segs := segment.Split(job.Text, job.Run.MaxCharsPerSegment)
	if len(segs) == 0 {
		return res, fmt.Errorf("segment text: %w", ErrEmptyRun)
	}
	res.Segments = len(segs)

	ctx, span := p.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", job.ID),
		attribute.Int("run.segments", len(segs)),
		attribute.String("synth.backend", p.opts.Backend.Name()),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	// Ledger writes outlive cancellation of the run itself.
	bg := context.WithoutCancel(ctx)
	if p.opts.Recorder != nil {
		berr := p.opts.Recorder.BeginRun(bg, ledger.Run{ID: job.ID, Backend: p.opts.Backend.Name(), Segments: len(segs)})
		if errors.Is(berr, ledger.ErrDuplicateRun) {
			return res, berr
		}
		if berr != nil {
			logger.Warn("failed to write run ledger", slogError(berr))
		}
	}
	defer func() {
		sum := ledger.Summary{Status: status(res, err), Succeeded: res.Succeeded, Abandoned: res.Abandoned, OutputPath: res.OutputPath}
		if err != nil {
			sum.Error = err.Error()
		}
		p.record(logger, func() error { return p.opts.Recorder.FinishRun(bg, job.ID, sum) })
	}()

	ws, err := workspace.New(p.opts.WorkDir, job.ID)
	if err != nil {
		return res, err
	}
	defer func() {
		if rerr := ws.Release(); rerr != nil {
			logger.Warn("failed to release workspace", slogError(rerr))
		}
	}()

	ref, err := p.opts.Resolver.Resolve(ctx, ws, job.Voice)
	if err != nil {
		return res, fmt.Errorf("resolve voice: %w", err)
	}

	logger.Info("run started",
		slog.Int("segments", len(segs)),
		slog.String("backend", p.opts.Backend.Name()),
		slog.Bool("custom_voice", ref.Path != ""),
	)

	sess, err := p.opts.Backend.Open(ctx)
	if err != nil {
		return res, fmt.Errorf("open synthesis session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("failed to close synthesis session", slogError(cerr))
		}
	}()

	dcfg := driver.ConfigFromRun(job.Run, p.opts.Classifier)
	dcfg.Waiter = p.opts.Waiter
	dcfg.Reporter = driver.ReporterFunc(func(pr driver.Progress) {
		p.observe(bg, logger, job, pr)
	})
	out, err := driver.New(dcfg, p.opts.Logger).Run(ctx, sess, ws, segs, ref, params(job.Run))
	res.Succeeded, res.Abandoned, res.Cancelled, res.Failures = out.Succeeded, out.Abandoned, out.Cancelled, out.Failures
	if err != nil {
		return res, err
	}
	if len(out.Parts) == 0 {
		if out.Cancelled {
			return res, fmt.Errorf("%w: %w", driver.ErrCancelled, context.Cause(ctx))
		}
		return res, fmt.Errorf("all %d segments failed: %w", len(segs), ErrEmptyRun)
	}

	paths := make([]string, len(out.Parts))
	for i, part := range out.Parts {
		paths[i] = part.Path
	}
	output := job.Output
	if output == "" {
		output = filepath.Join(p.opts.OutputDir, "narration_"+job.ID+".wav")
	}
	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		return res, fmt.Errorf("create output dir: %w", err)
	}
	merged, err := stitch.MergeFiles(output, paths)
	if err != nil {
		return res, fmt.Errorf("stitch parts: %w", err)
	}
	res.OutputPath = output
	res.Format = merged.Format
	res.Frames = merged.Frames
	res.Duration = merged.Duration

	logger.Info("run finished",
		slog.String("output", output),
		slog.Int("succeeded", res.Succeeded),
		slog.Int("abandoned", res.Abandoned),
		slog.Bool("cancelled", res.Cancelled),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (p *Pipeline) observe(ctx context.Context, logger *slog.Logger, job Job, pr driver.Progress) {
	if pr.State == driver.StateQuotaWait || pr.Error != "" {
		logger.Info("segment progress",
			slog.Int("index", pr.Index),
			slog.String("state", string(pr.State)),
			slog.Int("attempt", pr.Attempt),
			slog.Duration("wait", pr.Wait),
			slog.String("error", pr.Error),
		)
	} else {
		logger.Debug("segment progress",
			slog.Int("index", pr.Index),
			slog.String("state", string(pr.State)),
			slog.Int("completed", pr.Completed),
			slog.Int("total", pr.Total),
		)
	}
	p.record(logger, func() error {
		return p.opts.Recorder.RecordProgress(ctx, ledger.SegmentEvent{
			RunID:     job.ID,
			Index:     pr.Index,
			State:     string(pr.State),
			Attempt:   pr.Attempt,
			Completed: pr.Completed,
			Total:     pr.Total,
			Error:     pr.Error,
		})
	})
	if job.Progress != nil {
		job.Progress(Event{RunID: job.ID, Progress: pr})
	}
}

func (p *Pipeline) record(logger *slog.Logger, fn func() error) {
	if p.opts.Recorder == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn("failed to write run ledger", slogError(err))
	}
}

func params(run config.RunConfig) synth.Params {
	return synth.Params{
		Exaggeration: run.Exaggeration,
		Temperature:  run.Temperature,
		CFGWeight:    run.CFGWeight,
		Seed:         run.Seed,
		TrimSilence:  run.TrimSilence,
	}
}

func status(res Result, err error) string {
	switch {
	case err != nil && errors.Is(err, driver.ErrCancelled):
		return ledger.StatusCancelled
	case err != nil:
		return ledger.StatusFailed
	case res.Cancelled:
		return ledger.StatusCancelled
	case res.Abandoned > 0:
		return ledger.StatusPartial
	default:
		return ledger.StatusCompleted
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
