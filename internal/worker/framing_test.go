package worker

import (
	"fmt"
	"testing"
)

func TestFeedSingleRecord(t *testing.T) {
	p := &frameParser{}
	msgs, malformed := p.feed([]byte(`{"id":"abc","success":true,"audio_data":"52494646"}` + "\n"))
	if len(malformed) != 0 {
		t.Fatalf("unexpected malformed content: %q", malformed)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ID != "abc" || !msgs[0].Success || msgs[0].AudioData != "52494646" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
}

func TestFeedChunkBoundaryInvariance(t *testing.T) {
	record := `{"id":"abc","success":true,"audio_data":"deadbeef","device":"cpu"}`

	whole := &frameParser{}
	wholeMsgs, _ := whole.feed([]byte(record))
	if len(wholeMsgs) != 1 {
		t.Fatalf("whole chunk: expected 1 message, got %d", len(wholeMsgs))
	}

	bytewise := &frameParser{}
	var byteMsgs []response
	for i := 0; i < len(record); i++ {
		msgs, malformed := bytewise.feed([]byte{record[i]})
		if len(malformed) != 0 {
			t.Fatalf("byte %d: unexpected malformed content", i)
		}
		byteMsgs = append(byteMsgs, msgs...)
	}
	if len(byteMsgs) != 1 {
		t.Fatalf("byte-wise: expected 1 message, got %d", len(byteMsgs))
	}
	if byteMsgs[0] != wholeMsgs[0] {
		t.Fatalf("messages differ: %+v vs %+v", byteMsgs[0], wholeMsgs[0])
	}
}

func TestFeedManyRecordsOneChunk(t *testing.T) {
	p := &frameParser{}
	chunk := `{"id":"a","success":true}` + "\n" + `{"id":"b","success":false,"error":"boom"}` + "\n"
	msgs, malformed := p.feed([]byte(chunk))
	if len(malformed) != 0 {
		t.Fatalf("unexpected malformed content: %q", malformed)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "a" || msgs[1].ID != "b" {
		t.Fatalf("unexpected ids: %q %q", msgs[0].ID, msgs[1].ID)
	}
	if msgs[1].Error != "boom" {
		t.Fatalf("unexpected error text: %q", msgs[1].Error)
	}
}

func TestFeedTruncatedRecordAccumulates(t *testing.T) {
	p := &frameParser{}
	msgs, malformed := p.feed([]byte(`{"id":"abc","succ`))
	if len(msgs) != 0 || len(malformed) != 0 {
		t.Fatalf("truncated record must not emit, got %d msgs %d malformed", len(msgs), len(malformed))
	}
	msgs, malformed = p.feed([]byte(`ess":true}`))
	if len(malformed) != 0 {
		t.Fatalf("unexpected malformed content: %q", malformed)
	}
	if len(msgs) != 1 || msgs[0].ID != "abc" || !msgs[0].Success {
		t.Fatalf("expected completed record, got %+v", msgs)
	}
}

func TestFeedMalformedLineSurfaced(t *testing.T) {
	p := &frameParser{}
	chunk := "this is not json\n" + `{"id":"ok","success":true}` + "\n"
	msgs, malformed := p.feed([]byte(chunk))
	if len(msgs) != 1 || msgs[0].ID != "ok" {
		t.Fatalf("expected the parsable line to survive, got %+v", msgs)
	}
	if len(malformed) != 1 || string(malformed[0]) != "this is not json" {
		t.Fatalf("expected malformed line surfaced, got %q", malformed)
	}
	// buffer cleared after the split attempt
	msgs, malformed = p.feed([]byte(`{"id":"next","success":true}`))
	if len(msgs) != 1 || msgs[0].ID != "next" || len(malformed) != 0 {
		t.Fatalf("parser did not reset after split, got %+v %q", msgs, malformed)
	}
}

func TestFeedLargePayloadAcrossChunks(t *testing.T) {
	payload := ""
	for i := 0; i < 4096; i++ {
		payload += "ab"
	}
	record := fmt.Sprintf(`{"id":"big","success":true,"audio_data":"%s"}`, payload)

	p := &frameParser{}
	var got []response
	for i := 0; i < len(record); i += 100 {
		end := i + 100
		if end > len(record) {
			end = len(record)
		}
		msgs, malformed := p.feed([]byte(record[i:end]))
		if len(malformed) != 0 {
			t.Fatalf("unexpected malformed content at offset %d", i)
		}
		got = append(got, msgs...)
	}
	if len(got) != 1 || got[0].AudioData != payload {
		t.Fatalf("large record did not reassemble correctly")
	}
}
