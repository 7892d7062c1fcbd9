package protocol

import "time"

// SynthesisRequest asks the synthesis service to produce speech for a session.
type SynthesisRequest struct {
	SessionID string  `json:"session_id"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	LangCode  string  `json:"lang_code,omitempty"`
}

// SynthesisResult announces the outcome of a synthesis request.
type SynthesisResult struct {
	SessionID    string    `json:"session_id"`
	JobID        string    `json:"job_id"`
	ArtifactPath string    `json:"artifact_path,omitempty"`
	Bytes        int       `json:"bytes,omitempty"`
	Device       string    `json:"device,omitempty"`
	LatencyMS    int64     `json:"latency_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectSynthesisRequest = "tts.synthesize"
	SubjectSynthesisResult  = "tts.result"
)
