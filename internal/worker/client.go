package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ambiware-labs/kokorod/internal/config"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Request contains parameters for one synthesis call.
type Request struct {
	Text       string
	Voice      string
	Speed      float64
	LangCode   string
	SampleRate int
}

// Result references the persisted artifact of a successful call.
type Result struct {
	ArtifactPath string
	Bytes        int
	Device       string
	Latency      time.Duration
}

// Client is the call surface over the supervised synthesis worker. Calls may
// be issued concurrently; each registers a correlation id, writes one framed
// request and suspends until the matching response arrives or the deadline
// elapses. The worker processes requests one at a time internally, so
// responses may complete in any order relative to submission.
type Client struct {
	cfg       config.WorkerConfig
	sup       *supervisor
	artifacts *artifactWriter
	pending   *pendingSet
	log       *slog.Logger
	readWG    sync.WaitGroup

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewClient(cfg config.WorkerConfig, artifactDir string, log *slog.Logger) (*Client, error) {
	logger := log.With(slog.String("component", "worker-client"))
	artifacts, err := newArtifactWriter(artifactDir, logger)
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg:       cfg,
		artifacts: artifacts,
		pending:   newPendingSet(),
		log:       logger,
	}
	sup, err := newSupervisor(cfg, c, logger)
	if err != nil {
		return nil, err
	}
	c.sup = sup

	meter := otel.Meter("kokorod/worker")
	c.requests, _ = meter.Int64Counter("kokorod.synthesis.requests")
	c.latency, _ = meter.Float64Histogram("kokorod.synthesis.latency_ms")
	return c, nil
}

// Start spawns the worker and blocks until it is ready.
func (c *Client) Start(ctx context.Context) error {
	return c.sup.Start(ctx)
}

func (c *Client) State() State { return c.sup.State() }

// WaitReady blocks until the worker is ready or terminally unavailable.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.sup.WaitReady(ctx)
}

// Outstanding reports the number of in-flight calls.
func (c *Client) Outstanding() int { return c.pending.len() }

// Close terminates the worker, fails all outstanding calls and releases held
// resources. Idempotent.
func (c *Client) Close() {
	c.sup.Shutdown()
	c.pending.failAll(ErrShutdown)
	c.readWG.Wait()
}

func (c *Client) Synthesize(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	res, err := c.synthesize(ctx, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	c.requests.Add(ctx, 1, attrs)
	c.latency.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	return res, err
}

func (c *Client) synthesize(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Result{}, ErrInvalidInput
	}
	switch c.sup.State() {
	case StateReady:
	case StateUnavailable:
		return Result{}, ErrUnavailable
	default:
		return Result{}, ErrNotInitialized
	}

	id := uuid.NewString()
	pc, err := c.pending.register(id)
	if err != nil {
		return Result{}, err
	}

	payload, err := json.Marshal(request{
		ID:         id,
		Text:       req.Text,
		Voice:      req.Voice,
		Speed:      req.Speed,
		LangCode:   req.LangCode,
		SampleRate: req.SampleRate,
	})
	if err != nil {
		c.pending.take(id)
		return Result{}, fmt.Errorf("encode request: %w", err)
	}
	payload = append(payload, '\n')

	start := time.Now()
	if err := c.sup.writeRequest(payload); err != nil {
		c.pending.take(id)
		return Result{}, err
	}

	deadline := time.Duration(c.cfg.RequestTimeoutMS) * time.Millisecond
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var res callResult
	select {
	case res = <-pc.result:
	case <-timer.C:
		if c.pending.take(id) != nil {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, deadline)
		}
		// A resolution raced the deadline and won; the result is buffered.
		res = <-pc.result
	case <-ctx.Done():
		if c.pending.take(id) != nil {
			return Result{}, ctx.Err()
		}
		res = <-pc.result
	}
	if res.err != nil {
		return Result{}, res.err
	}

	msg := res.msg
	if !msg.Success {
		reason := msg.Error
		if reason == "" {
			reason = msg.Message
		}
		if reason == "" {
			reason = "unspecified failure"
		}
		return Result{}, fmt.Errorf("worker reported failure: %s", reason)
	}

	path, size, err := c.artifacts.write(msg.AudioData)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ArtifactPath: path,
		Bytes:        size,
		Device:       msg.Device,
		Latency:      time.Since(start),
	}, nil
}

// workerStarted pumps the new process's stdout through the framing parser.
// The single reader goroutine is the only execution context that touches the
// parser buffer and resolves pending entries from responses.
func (c *Client) workerStarted(stdout io.Reader) {
	c.readWG.Add(1)
	go func() {
		defer c.readWG.Done()
		parser := &frameParser{}
		buf := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(buf)
			if n > 0 {
				msgs, malformed := parser.feed(buf[:n])
				for _, m := range msgs {
					c.dispatch(m)
				}
				for _, raw := range malformed {
					c.dispatchMalformed(raw)
				}
			}
			if err != nil {
				return
			}
		}
	}()
}

// dispatch routes a parsed response to its pending call. A response with no
// match (protocol desync, duplicate, or arrival after timeout-driven removal)
// is discarded with a warning, never delivered late.
func (c *Client) dispatch(msg response) {
	if msg.ID == "" || !c.pending.resolve(msg.ID, msg) {
		c.log.Warn("discarding response with no matching pending call",
			slog.String("id", msg.ID), slog.Bool("success", msg.Success))
	}
}

// dispatchMalformed surfaces unparsable worker output to the oldest pending
// call rather than dropping it silently and letting the call time out.
func (c *Client) dispatchMalformed(raw []byte) {
	content := truncateForLog(raw)
	err := fmt.Errorf("%w: %s", ErrMalformedResponse, content)
	if !c.pending.failOldest(err) {
		c.log.Warn("unparsable worker output with no pending call", slog.String("content", content))
	}
}

// workerExited fails every outstanding call immediately so a crash never
// leaves a caller hanging until its deadline.
func (c *Client) workerExited(exitErr error) {
	err := error(ErrProcessExit)
	if exitErr != nil {
		err = fmt.Errorf("%w: %v", ErrProcessExit, exitErr)
	}
	c.pending.failAll(err)
}

func truncateForLog(raw []byte) string {
	const max = 200
	if len(raw) > max {
		return string(raw[:max]) + "..."
	}
	return string(raw)
}
