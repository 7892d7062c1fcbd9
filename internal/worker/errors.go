package worker

import "errors"

// Failure taxonomy for the supervised worker. Supervisor-level errors
// (initialization, unavailability) are terminal and surface on every call;
// the rest are local to a single call.
var (
	// ErrInitialization means the worker never emitted its readiness marker,
	// or the launch target could not be started at all.
	ErrInitialization = errors.New("worker failed to initialize")

	// ErrNotInitialized means Synthesize was called before Start succeeded.
	ErrNotInitialized = errors.New("worker not initialized")

	// ErrUnavailable means the restart ceiling was exceeded. No further
	// spawn attempts are made until the host process is restarted.
	ErrUnavailable = errors.New("worker unavailable: restart limit reached")

	// ErrProcessExit means the worker died while the call was outstanding.
	ErrProcessExit = errors.New("worker process exited")

	// ErrTimeout means the per-call deadline elapsed before a response.
	ErrTimeout = errors.New("synthesis timed out")

	// ErrMalformedResponse means the worker emitted output that could not be
	// parsed as a protocol record.
	ErrMalformedResponse = errors.New("malformed response from worker")

	// ErrInvalidInput means the synthesis text was empty or blank.
	ErrInvalidInput = errors.New("synthesis text is empty")

	// ErrEmptyPayload means a successful response carried no audio bytes.
	ErrEmptyPayload = errors.New("response audio payload is empty")

	// ErrWriteVerification means the persisted artifact size did not match
	// the decoded payload. The artifact must not be served.
	ErrWriteVerification = errors.New("artifact write verification failed")

	// ErrShutdown fails calls still outstanding when the client is closed.
	ErrShutdown = errors.New("worker client shut down")
)
