package worker

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/wav"
)

// wavHeaderSize is the length of a canonical RIFF/WAVE header. Payloads
// shorter than this cannot contain any samples.
const wavHeaderSize = 44

// artifactWriter decodes the hex audio payload of a successful response and
// persists it durably under the public artifact directory. One file per
// successful call; retention is an external concern.
type artifactWriter struct {
	dir string
	log *slog.Logger
}

func newArtifactWriter(dir string, log *slog.Logger) (*artifactWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &artifactWriter{dir: dir, log: log}, nil
}

// write decodes hexPayload, persists it under a timestamp-derived name and
// verifies the stored size against the decoded length. Returns the artifact
// path and decoded byte count.
func (w *artifactWriter) write(hexPayload string) (string, int, error) {
	data, err := hex.DecodeString(hexPayload)
	if err != nil {
		return "", 0, fmt.Errorf("%w: decode audio payload: %v", ErrMalformedResponse, err)
	}
	if len(data) == 0 {
		return "", 0, ErrEmptyPayload
	}
	if len(data) < wavHeaderSize {
		w.log.Warn("audio payload implausibly small", slog.Int("bytes", len(data)))
	} else if dec := wav.NewDecoder(bytes.NewReader(data)); !dec.IsValidFile() {
		w.log.Warn("audio payload is not a valid wav container", slog.Int("bytes", len(data)))
	}

	name := fmt.Sprintf("speech_%d.wav", time.Now().UnixNano())
	path := filepath.Join(w.dir, name)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("create artifact: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return "", 0, fmt.Errorf("sync artifact: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", 0, fmt.Errorf("close artifact: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("stat artifact: %w", err)
	}
	if info.Size() != int64(len(data)) {
		return "", 0, fmt.Errorf("%w: wrote %d bytes, found %d", ErrWriteVerification, len(data), info.Size())
	}
	return path, len(data), nil
}
