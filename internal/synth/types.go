package synth

import (
	"context"

	"github.com/ambiware-labs/kokorod/internal/worker"
)

// Synthesizer is the contract the service consumes: one call in, one
// persisted artifact (or typed failure) out. Implemented by the supervised
// worker client and by the mock used when no model is installed.
type Synthesizer interface {
	Synthesize(ctx context.Context, req worker.Request) (worker.Result, error)
}
