package synth

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ambiware-labs/kokorod/internal/worker"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

type mockSynth struct {
	dir        string
	sampleRate int
}

// NewMockSynth returns a Synthesizer that writes a short tone instead of
// speech. Used in deployments without a model and in tests.
func NewMockSynth(dir string, sampleRate int) (Synthesizer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &mockSynth{dir: dir, sampleRate: sampleRate}, nil
}

func (m *mockSynth) Synthesize(ctx context.Context, req worker.Request) (worker.Result, error) {
	if strings.TrimSpace(req.Text) == "" {
		return worker.Result{}, worker.ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return worker.Result{}, err
	}
	start := time.Now()

	// 200ms of 440Hz sine, enough to exercise the artifact path end to end.
	numSamples := m.sampleRate / 5
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: m.sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, numSamples),
	}
	for i := range buf.Data {
		buf.Data[i] = int(12000 * math.Sin(2*math.Pi*440*float64(i)/float64(m.sampleRate)))
	}

	path := filepath.Join(m.dir, fmt.Sprintf("speech_%d.wav", time.Now().UnixNano()))
	file, err := os.Create(path)
	if err != nil {
		return worker.Result{}, fmt.Errorf("create artifact: %w", err)
	}
	enc := wav.NewEncoder(file, m.sampleRate, 16, 1, 1)
	if err := enc.Write(buf); err != nil {
		file.Close()
		return worker.Result{}, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		file.Close()
		return worker.Result{}, fmt.Errorf("close wav encoder: %w", err)
	}
	if err := file.Close(); err != nil {
		return worker.Result{}, fmt.Errorf("close artifact: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return worker.Result{}, fmt.Errorf("stat artifact: %w", err)
	}
	return worker.Result{
		ArtifactPath: path,
		Bytes:        int(info.Size()),
		Device:       "mock",
		Latency:      time.Since(start),
	}, nil
}
