// Package service exposes the narration pipeline on the bus. Requests are
// queued and executed one at a time so concurrent callers never share the
// remote rate limit.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/bus"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/ledger"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/voice"
	"github.com/nats-io/nats.go"
)

const defaultQueueSize = 16

// Runner executes one job. *pipeline.Pipeline implements it.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

type queuedRun struct {
	req protocol.RunRequest
	run config.RunConfig
}

type Service struct {
	defaults config.RunConfig
	bus      *bus.Client
	runner   Runner
	queue    chan queuedRun
	subs     []*nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	// queued maps waiting run IDs to whether they were cancelled.
	queued map[string]bool
}

func NewService(parent context.Context, defaults config.RunConfig, busClient *bus.Client, runner Runner, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		defaults: defaults,
		bus:      busClient,
		runner:   runner,
		queue:    make(chan queuedRun, defaultQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "narrator-service")),
		inflight: make(map[string]context.CancelFunc),
		queued:   make(map[string]bool),
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	reqSub, err := conn.Subscribe(protocol.SubjectRunRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.subs = append(s.subs, reqSub)
	cancelSub, err := conn.Subscribe(protocol.SubjectRunCancel, s.handleCancel)
	if err != nil {
		_ = reqSub.Unsubscribe()
		return err
	}
	s.subs = append(s.subs, cancelSub)

	s.wg.Add(1)
	go s.worker()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return len(s.subs) > 0 && s.bus.Healthy() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RunRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode run request", slogError(err))
		s.reply(msg, protocol.RunAccepted{Error: "invalid request: " + err.Error()})
		return
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if !pipeline.ValidRunID(req.RunID) {
		s.reply(msg, protocol.RunAccepted{Error: pipeline.ErrInvalidRunID.Error()})
		return
	}
	run := ApplyOptions(s.defaults, req.Options)
	if err := config.ValidateRun(run); err != nil {
		s.reply(msg, protocol.RunAccepted{RunID: req.RunID, Error: err.Error()})
		return
	}

	s.mu.Lock()
	_, waiting := s.queued[req.RunID]
	_, running := s.inflight[req.RunID]
	if waiting || running {
		s.mu.Unlock()
		s.reply(msg, protocol.RunAccepted{RunID: req.RunID, Error: "duplicate run id"})
		return
	}
	accepted := false
	select {
	case s.queue <- queuedRun{req: req, run: run}:
		s.queued[req.RunID] = false
		accepted = true
	default:
	}
	s.mu.Unlock()

	if !accepted {
		s.reply(msg, protocol.RunAccepted{RunID: req.RunID, Error: "queue full"})
		return
	}
	s.logger.Info("run queued", slog.String("run_id", req.RunID), slog.Int("queued", len(s.queue)))
	s.reply(msg, protocol.RunAccepted{RunID: req.RunID, Accepted: true, Queued: len(s.queue)})
}

func (s *Service) handleCancel(msg *nats.Msg) {
	var req protocol.RunCancel
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.RunID == "" {
		s.logger.Warn("ignoring malformed cancel request")
		return
	}
	s.mu.Lock()
	cancel, running := s.inflight[req.RunID]
	_, waiting := s.queued[req.RunID]
	if waiting {
		s.queued[req.RunID] = true
	}
	s.mu.Unlock()
	if running {
		cancel()
	}
	if !running && !waiting {
		s.logger.Debug("ignoring cancel for unknown run", slog.String("run_id", req.RunID))
		return
	}
	s.logger.Info("run cancel requested", slog.String("run_id", req.RunID), slog.Bool("running", running))
}

func (s *Service) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case q := <-s.queue:
			s.execute(q)
		}
	}
}

func (s *Service) execute(q queuedRun) {
	runID := q.req.RunID
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	s.mu.Lock()
	cancelled := s.queued[runID]
	delete(s.queued, runID)
	if cancelled {
		s.mu.Unlock()
		s.publishDone(protocol.RunDone{RunID: runID, Status: ledger.StatusCancelled, Error: "cancelled before start"})
		return
	}
	s.inflight[runID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, runID)
		s.mu.Unlock()
	}()

	job := pipeline.Job{
		ID:     runID,
		Text:   q.req.Text,
		Voice:  voice.Source{Data: q.req.VoiceAudio, Name: q.req.VoiceName, URL: q.req.VoiceURL},
		Run:    q.run,
		Output: q.req.Output,
		Progress: func(e pipeline.Event) {
			s.publishProgress(e)
		},
	}
	res, err := s.runner.Run(ctx, job)

	done := protocol.RunDone{
		RunID:      runID,
		OutputPath: res.OutputPath,
		Segments:   res.Segments,
		Succeeded:  res.Succeeded,
		Abandoned:  res.Abandoned,
		DurationMS: res.Duration.Milliseconds(),
	}
	switch {
	case err != nil:
		done.Status = ledger.StatusFailed
		done.Error = err.Error()
		if ctx.Err() != nil {
			done.Status = ledger.StatusCancelled
		}
		s.logger.Warn("run failed", slog.String("run_id", runID), slogError(err))
	case res.Cancelled:
		done.Status = ledger.StatusCancelled
	case res.Abandoned > 0:
		done.Status = ledger.StatusPartial
	default:
		done.Status = ledger.StatusCompleted
	}
	s.publishDone(done)
}

func (s *Service) publishProgress(e pipeline.Event) {
	msg := protocol.RunProgress{
		RunID:     e.RunID,
		Index:     e.Index,
		Completed: e.Completed,
		Total:     e.Total,
		State:     string(e.State),
		Attempt:   e.Attempt,
		WaitMS:    e.Wait.Milliseconds(),
		Error:     e.Error,
		Timestamp: time.Now().UTC(),
	}
	if err := s.bus.PublishJSON(protocol.ProgressSubject(e.RunID), msg); err != nil {
		s.logger.Warn("failed to publish progress", slogError(err))
	}
}

func (s *Service) publishDone(done protocol.RunDone) {
	done.Timestamp = time.Now().UTC()
	if err := s.bus.PublishJSON(protocol.SubjectRunDone, done); err != nil {
		s.logger.Warn("failed to publish run completion", slogError(err))
	}
}

func (s *Service) reply(msg *nats.Msg, resp protocol.RunAccepted) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

// ApplyOptions overlays per-request overrides on the configured defaults.
func ApplyOptions(base config.RunConfig, o *protocol.RunOptions) config.RunConfig {
	if o == nil {
		return base
	}
	if o.MaxCharsPerSegment != nil {
		base.MaxCharsPerSegment = *o.MaxCharsPerSegment
	}
	if o.Exaggeration != nil {
		base.Exaggeration = *o.Exaggeration
	}
	if o.Temperature != nil {
		base.Temperature = *o.Temperature
	}
	if o.CFGWeight != nil {
		base.CFGWeight = *o.CFGWeight
	}
	if o.Seed != nil {
		base.Seed = *o.Seed
	}
	if o.TrimSilence != nil {
		base.TrimSilence = *o.TrimSilence
	}
	if o.CooldownSeconds != nil {
		base.CooldownSeconds = *o.CooldownSeconds
	}
	if o.QuotaCooldownSeconds != nil {
		base.QuotaCooldownSeconds = *o.QuotaCooldownSeconds
	}
	if o.MaxAttemptsPerSegment != nil {
		base.MaxAttemptsPerSegment = *o.MaxAttemptsPerSegment
	}
	return base
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}

// pending reports how many runs are queued and how many are running.
func (s *Service) pending() (queued, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queued), len(s.inflight)
}
