package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

// request is one framed record written to the worker's stdin. The correlation
// id is echoed back in the matching response.
type request struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Voice      string  `json:"voice,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
	LangCode   string  `json:"lang_code,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
}

// response is one fully parsed record received from the worker's stdout.
type response struct {
	ID        string `json:"id"`
	Success   bool   `json:"success"`
	AudioData string `json:"audio_data,omitempty"`
	Device    string `json:"device,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

// frameParser reassembles the worker's arbitrarily chunked stdout into
// discrete protocol records. A record may span many chunks and a chunk may
// carry many records.
type frameParser struct {
	buf []byte
}

// feed appends a chunk and extracts every complete record available. The
// whole buffer is first tried as a single record; if that fails because the
// record is truncated the buffer keeps accumulating. Any other parse failure
// falls back to a per-line split, after which the buffer is cleared. Lines
// that still do not parse are returned raw so the caller can surface them to
// a waiting call instead of dropping them.
func (p *frameParser) feed(chunk []byte) (msgs []response, malformed [][]byte) {
	p.buf = append(p.buf, chunk...)
	trimmed := bytes.TrimSpace(p.buf)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var msg response
	err := json.Unmarshal(trimmed, &msg)
	if err == nil {
		p.buf = p.buf[:0]
		return []response{msg}, nil
	}
	if isTruncated(err) {
		return nil, nil
	}

	for _, line := range bytes.Split(trimmed, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m response
		if err := json.Unmarshal(line, &m); err != nil {
			malformed = append(malformed, append([]byte(nil), line...))
			continue
		}
		msgs = append(msgs, m)
	}
	p.buf = p.buf[:0]
	return msgs, malformed
}

// isTruncated reports whether a parse failure means the record is still
// structurally incomplete rather than garbage.
func isTruncated(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var syn *json.SyntaxError
	return errors.As(err, &syn) && strings.Contains(syn.Error(), "unexpected end of JSON input")
}
