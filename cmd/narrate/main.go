package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/ledger"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/runtime"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/service"
	"github.com/loqalabs/loqa-narrator/internal/voice"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'synth', 'submit', 'segment', 'runs' or 'version'")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "synth":
		err = runSynth(ctx, os.Args[2:])
	case "submit":
		err = runSubmit(ctx, os.Args[2:])
	case "segment":
		err = runSegment(os.Args[2:])
	case "runs":
		err = runRuns(ctx, os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runFlags binds the run options shared by synth and submit.
type runFlags struct {
	maxChars      int
	exaggeration  float64
	temperature   float64
	cfgWeight     float64
	seed          int64
	trimSilence   bool
	cooldown      float64
	quotaCooldown float64
	maxAttempts   int
}

func (f *runFlags) register(fs *flag.FlagSet) {
	d := config.Default().Run
	fs.IntVar(&f.maxChars, "max-chars", d.MaxCharsPerSegment, "Maximum characters per segment")
	fs.Float64Var(&f.exaggeration, "exaggeration", d.Exaggeration, "Exaggeration in [0,1]")
	fs.Float64Var(&f.temperature, "temperature", d.Temperature, "Temperature in [0,1]")
	fs.Float64Var(&f.cfgWeight, "cfg-weight", d.CFGWeight, "CFG/pace weight in [0,1]")
	fs.Int64Var(&f.seed, "seed", d.Seed, "Random seed (0 = random)")
	fs.BoolVar(&f.trimSilence, "trim-silence", d.TrimSilence, "Trim silence (VAD)")
	fs.Float64Var(&f.cooldown, "cooldown", d.CooldownSeconds, "Seconds to wait after each successful segment")
	fs.Float64Var(&f.quotaCooldown, "quota-cooldown", d.QuotaCooldownSeconds, "Seconds to wait after a quota failure")
	fs.IntVar(&f.maxAttempts, "max-attempts", d.MaxAttemptsPerSegment, "Attempts per segment")
}

// options returns the explicitly set flags as request overrides, or nil when
// none were given.
func (f *runFlags) options(fs *flag.FlagSet) *protocol.RunOptions {
	var o protocol.RunOptions
	set := false
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "max-chars":
			o.MaxCharsPerSegment = &f.maxChars
		case "exaggeration":
			o.Exaggeration = &f.exaggeration
		case "temperature":
			o.Temperature = &f.temperature
		case "cfg-weight":
			o.CFGWeight = &f.cfgWeight
		case "seed":
			o.Seed = &f.seed
		case "trim-silence":
			o.TrimSilence = &f.trimSilence
		case "cooldown":
			o.CooldownSeconds = &f.cooldown
		case "quota-cooldown":
			o.QuotaCooldownSeconds = &f.quotaCooldown
		case "max-attempts":
			o.MaxAttemptsPerSegment = &f.maxAttempts
		default:
			return
		}
		set = true
	})
	if !set {
		return nil
	}
	return &o
}

func runSynth(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("synth", flag.ExitOnError)
	var (
		configPath string
		text       string
		textFile   string
		voicePath  string
		voiceURL   string
		output     string
		mode       string
		rf         runFlags
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&text, "text", "", "Text to synthesize")
	fs.StringVar(&textFile, "file", "", "Read text from file ('-' for stdin)")
	fs.StringVar(&voicePath, "voice", "", "Reference audio to clone (WAV/MP3)")
	fs.StringVar(&voiceURL, "voice-url", "", "Reference audio URL")
	fs.StringVar(&output, "out", "narration.wav", "Output WAV path")
	fs.StringVar(&mode, "mode", "", "Override synth.mode (gradio, openai, exec, mock)")
	rf.register(fs)
	_ = fs.Parse(args)

	if mode != "" {
		// Set before Load so mode-specific env (OPENAI_API_KEY) and validation apply.
		if err := os.Setenv("NARRATOR_SYNTH_MODE", mode); err != nil {
			return err
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	input, err := readText(text, textFile)
	if err != nil {
		return err
	}

	logger := runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel)
	stack, err := runtime.BuildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stack.Close()

	job := pipeline.Job{
		Text:   input,
		Voice:  voice.Source{File: voicePath, URL: voiceURL},
		Run:    service.ApplyOptions(cfg.Run, rf.options(fs)),
		Output: output,
		Progress: func(e pipeline.Event) {
			line := fmt.Sprintf("[%d/%d] segment %d %s", e.Completed, e.Total, e.Index+1, e.State)
			if e.Attempt > 1 {
				line += fmt.Sprintf(" (attempt %d)", e.Attempt)
			}
			if e.Wait > 0 {
				line += fmt.Sprintf(" waiting %s", e.Wait)
			}
			if e.Error != "" {
				line += ": " + e.Error
			}
			fmt.Fprintln(os.Stderr, line)
		},
	}
	res, err := stack.Pipeline.Run(ctx, job)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d/%d segments, %s", res.OutputPath, res.Succeeded, res.Segments, res.Duration.Round(time.Millisecond))
	if res.Abandoned > 0 {
		fmt.Printf(", %d abandoned", res.Abandoned)
	}
	if res.Cancelled {
		fmt.Print(", cancelled")
	}
	fmt.Println()
	return nil
}

func runSubmit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	var (
		configPath string
		text       string
		textFile   string
		voicePath  string
		voiceURL   string
		output     string
		wait       bool
		rf         runFlags
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&text, "text", "", "Text to synthesize")
	fs.StringVar(&textFile, "file", "", "Read text from file ('-' for stdin)")
	fs.StringVar(&voicePath, "voice", "", "Reference audio to clone (WAV/MP3)")
	fs.StringVar(&voiceURL, "voice-url", "", "Reference audio URL")
	fs.StringVar(&output, "out", "", "Output WAV path on the daemon host")
	fs.BoolVar(&wait, "wait", true, "Stream progress until the run completes")
	rf.register(fs)
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	input, err := readText(text, textFile)
	if err != nil {
		return err
	}
	req := protocol.RunRequest{RunID: uuid.NewString(), Text: input, VoiceURL: voiceURL, Output: output, Options: rf.options(fs)}
	if voicePath != "" {
		if req.VoiceAudio, err = os.ReadFile(voicePath); err != nil {
			return fmt.Errorf("read reference audio: %w", err)
		}
		req.VoiceName = voicePath
	}

	logger := runtime.NewLogger(os.Stderr, "warn")
	client, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	progress := make(chan *nats.Msg, 64)
	done := make(chan *nats.Msg, 8)
	if wait {
		psub, err := client.Conn().ChanSubscribe(protocol.ProgressSubject(req.RunID), progress)
		if err != nil {
			return err
		}
		defer psub.Unsubscribe()
		dsub, err := client.Conn().ChanSubscribe(protocol.SubjectRunDone, done)
		if err != nil {
			return err
		}
		defer dsub.Unsubscribe()
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var accepted protocol.RunAccepted
	if err := client.RequestJSON(reqCtx, protocol.SubjectRunRequest, req, &accepted); err != nil {
		return err
	}
	if !accepted.Accepted {
		return fmt.Errorf("run rejected: %s", accepted.Error)
	}
	fmt.Fprintf(os.Stderr, "run %s queued (%d waiting)\n", accepted.RunID, accepted.Queued)
	if !wait {
		fmt.Println(accepted.RunID)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			_ = client.PublishJSON(protocol.SubjectRunCancel, protocol.RunCancel{RunID: req.RunID})
			_ = client.Conn().Flush()
			return ctx.Err()
		case msg := <-progress:
			var p protocol.RunProgress
			if err := json.Unmarshal(msg.Data, &p); err == nil {
				fmt.Fprintf(os.Stderr, "[%d/%d] segment %d %s %s\n", p.Completed, p.Total, p.Index+1, p.State, p.Error)
			}
		case msg := <-done:
			var d protocol.RunDone
			if err := json.Unmarshal(msg.Data, &d); err != nil || d.RunID != req.RunID {
				continue
			}
			if d.Error != "" {
				return fmt.Errorf("run %s %s: %s", d.RunID, d.Status, d.Error)
			}
			fmt.Printf("%s: %s, %d/%d segments\n", d.OutputPath, d.Status, d.Succeeded, d.Segments)
			return nil
		}
	}
}

func runSegment(args []string) error {
	fs := flag.NewFlagSet("segment", flag.ExitOnError)
	var (
		text     string
		textFile string
		maxChars int
	)
	fs.StringVar(&text, "text", "", "Text to split")
	fs.StringVar(&textFile, "file", "", "Read text from file ('-' for stdin)")
	fs.IntVar(&maxChars, "max-chars", segment.DefaultMaxChars, "Maximum characters per segment")
	_ = fs.Parse(args)

	input, err := readText(text, textFile)
	if err != nil {
		return err
	}
	if maxChars < 1 {
		return errors.New("max-chars must be >= 1")
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, s := range segment.Split(input, maxChars) {
		mark := ""
		if s.Oversized {
			mark = "oversized"
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\n", s.Index+1, s.Len(), mark, s.Text)
	}
	return tw.Flush()
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	var (
		configPath string
		runID      string
		limit      int
	)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.StringVar(&runID, "id", "", "Show the segment events of one run")
	fs.IntVar(&limit, "limit", 20, "Maximum rows")
	_ = fs.Parse(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	l, err := ledger.Open(ctx, cfg.Ledger, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer l.Close()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if runID != "" {
		events, err := l.ListRunEvents(ctx, runID, limit)
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "TIME\tSEGMENT\tSTATE\tATTEMPT\tPROGRESS\tERROR")
		for _, e := range events {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%d/%d\t%s\n", e.CreatedAt.Format(time.RFC3339), e.Index+1, e.State, e.Attempt, e.Completed, e.Total, e.Error)
		}
		return tw.Flush()
	}

	runs, err := l.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tSEGMENTS\tOK\tABANDONED\tOUTPUT")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", r.ID, r.StartedAt.Format(time.RFC3339), r.Status, r.Segments, r.Succeeded, r.Abandoned, r.OutputPath)
	}
	return tw.Flush()
}

func readText(text, path string) (string, error) {
	switch {
	case text != "":
		return text, nil
	case path == "-":
		data, err := io.ReadAll(os.Stdin)
		return string(data), err
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read text: %w", err)
		}
		return string(data), nil
	default:
		return "", errors.New("one of -text or -file is required")
	}
}
