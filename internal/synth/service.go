package synth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ambiware-labs/kokorod/internal/bus"
	"github.com/ambiware-labs/kokorod/internal/config"
	"github.com/ambiware-labs/kokorod/internal/jobstore"
	"github.com/ambiware-labs/kokorod/internal/protocol"
	"github.com/ambiware-labs/kokorod/internal/voices"
	"github.com/ambiware-labs/kokorod/internal/worker"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Service consumes synthesis requests from the bus, drives the worker client
// and publishes the resulting artifact reference or failure. Each request is
// also recorded in the job history store.
type Service struct {
	cfg    config.SynthesisConfig
	bus    *bus.Client
	synth  Synthesizer
	jobs   *jobstore.Store
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.SynthesisConfig, busClient *bus.Client, synth Synthesizer, jobs *jobstore.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		jobs:   jobs,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "synth-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectSynthesisRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe synthesis requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.process(req)
	}()
}

func (s *Service) process(req protocol.SynthesisRequest) {
	jobID := uuid.NewString()

	voice := req.Voice
	if voice == "" {
		voice = s.cfg.Voice
	}
	lang := req.LangCode
	if lang == "" {
		lang = s.cfg.LangCode
	}
	speed := req.Speed
	if speed <= 0 {
		speed = s.cfg.Speed
	}

	if !voices.Valid(voice) {
		s.publishResult(req.SessionID, jobID, worker.Result{}, fmt.Errorf("voice %q not available", voice))
		return
	}
	if !voices.ValidLang(lang) {
		s.publishResult(req.SessionID, jobID, worker.Result{}, fmt.Errorf("language code %q not supported", lang))
		return
	}

	if err := s.jobs.Create(s.ctx, jobstore.Job{ID: jobID, SessionID: req.SessionID, Text: req.Text, Voice: voice}); err != nil {
		s.logger.Warn("failed to record job", slogError(err))
	}
	if err := s.jobs.MarkRunning(s.ctx, jobID); err != nil {
		s.logger.Warn("failed to mark job running", slogError(err))
	}

	ctx, cancel := context.WithTimeout(s.ctx, 90*time.Second)
	defer cancel()

	res, err := s.synth.Synthesize(ctx, worker.Request{
		Text:       req.Text,
		Voice:      voice,
		Speed:      speed,
		LangCode:   lang,
		SampleRate: s.cfg.SampleRate,
	})
	if err != nil {
		if serr := s.jobs.MarkFailed(s.ctx, jobID, err.Error()); serr != nil {
			s.logger.Warn("failed to mark job failed", slogError(serr))
		}
		s.publishResult(req.SessionID, jobID, worker.Result{}, err)
		return
	}

	if serr := s.jobs.MarkCompleted(s.ctx, jobID, res.ArtifactPath, int64(res.Bytes), res.Latency); serr != nil {
		s.logger.Warn("failed to mark job completed", slogError(serr))
	}
	s.publishResult(req.SessionID, jobID, res, nil)
}

func (s *Service) publishResult(sessionID, jobID string, res worker.Result, synthErr error) {
	result := protocol.SynthesisResult{
		SessionID:    sessionID,
		JobID:        jobID,
		ArtifactPath: res.ArtifactPath,
		Bytes:        res.Bytes,
		Device:       res.Device,
		LatencyMS:    res.Latency.Milliseconds(),
		Timestamp:    time.Now().UTC(),
	}
	if synthErr != nil {
		result.Error = synthErr.Error()
		s.logger.Warn("synthesis failed", slog.String("job_id", jobID), slogError(synthErr))
	}
	data, err := json.Marshal(result)
	if err != nil {
		s.logger.Warn("failed to marshal synthesis result", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectSynthesisResult, data); err != nil {
		s.logger.Warn("failed to publish synthesis result", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
