package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ambiware-labs/kokorod/internal/bus"
	"github.com/ambiware-labs/kokorod/internal/config"
	"github.com/ambiware-labs/kokorod/internal/jobstore"
	"github.com/ambiware-labs/kokorod/internal/natsserver"
	"github.com/ambiware-labs/kokorod/internal/synth"
	"github.com/ambiware-labs/kokorod/internal/voices"
	"github.com/ambiware-labs/kokorod/internal/worker"
)

// Runtime wires the daemon together: telemetry, bus, job store, the
// supervised worker client, the synthesis service, and the HTTP surface.
type Runtime struct {
	cfg          config.Config
	logger       *slog.Logger
	httpServer   *http.Server
	tracerClose  func(context.Context) error
	workerClient *worker.Client
	jobs         *jobstore.Store
	wg           sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	jobs, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	r.jobs = jobs
	defer jobs.Close()

	var synthesizer synth.Synthesizer
	if r.cfg.Synthesis.Enabled {
		switch r.cfg.Synthesis.Mode {
		case "exec":
			client, err := worker.NewClient(r.cfg.Worker, r.cfg.Artifacts.Dir, r.logger)
			if err != nil {
				return fmt.Errorf("failed to create worker client: %w", err)
			}
			if err := client.Start(ctx); err != nil {
				client.Close()
				return fmt.Errorf("failed to start synthesis worker: %w", err)
			}
			r.workerClient = client
			synthesizer = client
			defer client.Close()
		default:
			synthesizer, err = synth.NewMockSynth(r.cfg.Artifacts.Dir, r.cfg.Synthesis.SampleRate)
			if err != nil {
				return fmt.Errorf("failed to create mock synthesizer: %w", err)
			}
		}
	}

	service := synth.NewService(ctx, r.cfg.Synthesis, busClient, synthesizer, jobs, r.logger)
	if err := service.Start(); err != nil {
		return fmt.Errorf("failed to start synthesis service: %w", err)
	}
	defer service.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/voices", r.handleVoices)
	mux.HandleFunc("/jobs", r.handleJobs)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("synthesis_mode", r.cfg.Synthesis.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) workerReady() bool {
	if !r.cfg.Synthesis.Enabled || r.cfg.Synthesis.Mode != "exec" {
		return true
	}
	return r.workerClient != nil && r.workerClient.State() == worker.StateReady
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "kokorod is running",
		"model_loaded": r.workerReady(),
	})
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.workerReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"voices":     voices.All(),
		"lang_codes": voices.LangCodes,
		"default":    voices.Default,
	})
}

func (r *Runtime) handleJobs(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	if id := req.URL.Query().Get("id"); id != "" {
		job, err := r.jobs.Get(ctx, id)
		if err != nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
		return
	}
	session := req.URL.Query().Get("session")
	if session == "" {
		http.Error(w, "id or session query parameter required", http.StatusBadRequest)
		return
	}
	jobs, err := r.jobs.ListBySession(ctx, session, 100)
	if err != nil {
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
