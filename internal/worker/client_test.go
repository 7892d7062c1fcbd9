package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ambiware-labs/kokorod/internal/config"
)

// writeScript drops a fake worker into a temp dir and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func testWorkerConfig(command string) config.WorkerConfig {
	return config.WorkerConfig{
		Command:          command,
		ReadyMarker:      "KOKORO_READY",
		StartupTimeoutMS: 5000,
		RequestTimeoutMS: 2000,
		RestartBackoffMS: 50,
		MaxRestarts:      3,
		ReadyPollMS:      20,
	}
}

// echoWorker acknowledges readiness and answers every request with a fixed
// hex payload, echoing the correlation id.
const echoWorker = `echo KOKORO_READY >&2
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"id":"%s","success":true,"audio_data":"52494646","device":"cpu"}\n' "$id"
done
`

func startClient(t *testing.T, script string, mutate func(*config.WorkerConfig)) *Client {
	t.Helper()
	cfg := testWorkerConfig(writeScript(t, script))
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	return client
}

func TestSynthesizeEndToEnd(t *testing.T) {
	client := startClient(t, echoWorker, nil)

	res, err := client.Synthesize(context.Background(), Request{Text: "hello", Speed: 1.0})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	// "52494646" decodes to 4 bytes
	if res.Bytes != 4 {
		t.Fatalf("expected 4 bytes, got %d", res.Bytes)
	}
	info, err := os.Stat(res.ArtifactPath)
	if err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if info.Size() != 4 {
		t.Fatalf("artifact size %d does not match decoded payload", info.Size())
	}
	if res.Device != "cpu" {
		t.Fatalf("expected device echo, got %q", res.Device)
	}
	if client.Outstanding() != 0 {
		t.Fatalf("expected no outstanding calls, got %d", client.Outstanding())
	}
}

func TestSynthesizeConcurrentCalls(t *testing.T) {
	client := startClient(t, echoWorker, nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Synthesize(context.Background(), Request{Text: "hello"})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	cfg := testWorkerConfig("/bin/true")
	client, err := NewClient(cfg, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	if _, err := client.Synthesize(context.Background(), Request{Text: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestSynthesizeBeforeStart(t *testing.T) {
	cfg := testWorkerConfig("/bin/true")
	client, err := NewClient(cfg, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	if _, err := client.Synthesize(context.Background(), Request{Text: "hello"}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized error, got %v", err)
	}
}

func TestSynthesizeTimeout(t *testing.T) {
	silent := `echo KOKORO_READY >&2
while read line; do :; done
`
	client := startClient(t, silent, func(cfg *config.WorkerConfig) {
		cfg.RequestTimeoutMS = 200
	})

	_, err := client.Synthesize(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if client.Outstanding() != 0 {
		t.Fatalf("timed-out call must be removed, %d outstanding", client.Outstanding())
	}
}

func TestLateResponseIsDiscarded(t *testing.T) {
	// First request is answered after a delay; every later one immediately.
	slowFirst := `echo KOKORO_READY >&2
first=1
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  if [ "$first" = "1" ]; then
    first=0
    sleep 1
    printf '{"id":"%s","success":true,"audio_data":"00"}\n' "$id"
  else
    printf '{"id":"%s","success":true,"audio_data":"52494646"}\n' "$id"
  fi
done
`
	client := startClient(t, slowFirst, func(cfg *config.WorkerConfig) {
		cfg.RequestTimeoutMS = 5000
	})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	if _, err := client.Synthesize(ctx, Request{Text: "first"}); err == nil {
		t.Fatal("expected first call to fail on its deadline")
	}

	// The late response for the first id must not resolve this call.
	res, err := client.Synthesize(context.Background(), Request{Text: "second"})
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if res.Bytes != 4 {
		t.Fatalf("second call got the wrong payload: %d bytes", res.Bytes)
	}
}

func TestWorkerFailureResponse(t *testing.T) {
	failing := `echo KOKORO_READY >&2
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"id":"%s","success":false,"error":"synthesis exploded"}\n' "$id"
done
`
	client := startClient(t, failing, nil)

	_, err := client.Synthesize(context.Background(), Request{Text: "hello"})
	if err == nil || !strings.Contains(err.Error(), "synthesis exploded") {
		t.Fatalf("expected worker-reported failure, got %v", err)
	}
}

func TestEmptyAudioPayloadResponse(t *testing.T) {
	empty := `echo KOKORO_READY >&2
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":"\([^"]*\)".*/\1/p')
  printf '{"id":"%s","success":true,"audio_data":""}\n' "$id"
done
`
	cfg := testWorkerConfig(writeScript(t, empty))
	artifactDir := t.TempDir()
	client, err := NewClient(cfg, artifactDir, testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := client.Synthesize(context.Background(), Request{Text: "hello"}); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected empty payload error, got %v", err)
	}
	entries, err := os.ReadDir(artifactDir)
	if err != nil {
		t.Fatalf("read artifact dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("no artifact must exist after empty payload, found %d", len(entries))
	}
}

func TestMalformedResponseSurfaced(t *testing.T) {
	garbage := `echo KOKORO_READY >&2
read line
printf 'this is not a protocol record\n'
while read line; do :; done
`
	client := startClient(t, garbage, nil)

	_, err := client.Synthesize(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestProcessExitFailsOutstandingCalls(t *testing.T) {
	crashing := `echo KOKORO_READY >&2
read line
exit 3
`
	client := startClient(t, crashing, nil)

	_, err := client.Synthesize(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, ErrProcessExit) {
		t.Fatalf("expected process exit error, got %v", err)
	}

	// The supervisor respawns after backoff and the replacement becomes ready.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.WaitReady(ctx); err != nil {
		t.Fatalf("worker did not recover after crash: %v", err)
	}
}

func TestRestartCeiling(t *testing.T) {
	cfg := testWorkerConfig(writeScript(t, "exit 1\n"))
	client, err := NewClient(cfg, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	if err := client.Start(context.Background()); !errors.Is(err, ErrInitialization) {
		t.Fatalf("expected initialization error, got %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for client.State() != StateUnavailable {
		if time.Now().After(deadline) {
			t.Fatalf("supervisor never became unavailable, state %s", client.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := client.Synthesize(context.Background(), Request{Text: "hello"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestStartMissingBinary(t *testing.T) {
	cfg := testWorkerConfig("/nonexistent/kokoro-worker")
	client, err := NewClient(cfg, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	if err := client.Start(context.Background()); !errors.Is(err, ErrInitialization) {
		t.Fatalf("expected initialization error, got %v", err)
	}
}

func TestStartReadinessTimeout(t *testing.T) {
	cfg := testWorkerConfig(writeScript(t, "exec sleep 10\n"))
	cfg.StartupTimeoutMS = 200
	client, err := NewClient(cfg, t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)

	if err := client.Start(context.Background()); !errors.Is(err, ErrInitialization) {
		t.Fatalf("expected initialization error, got %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	client := startClient(t, echoWorker, nil)
	client.Close()
	client.Close()

	if _, err := client.Synthesize(context.Background(), Request{Text: "hello"}); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected not initialized after shutdown, got %v", err)
	}
}
