package callback

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// record is one line of a recording file: a single guest <-> host
// capability exchange, replayable without the real capability present.
type record struct {
	Kind     Kind            `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
	Response json.RawMessage `json:"response,omitempty"`
	Err      string          `json:"err,omitempty"`
}

// RecordingBridge wraps a real Bridge and appends every exchange to a
// writer as newline-delimited JSON, so a later run can replay it without
// network access. Grounded on kwctl's ProxyMode::Record.
type RecordingBridge struct {
	inner Bridge

	mu  sync.Mutex
	out *bufio.Writer
	enc *json.Encoder
}

// NewRecordingBridge wraps inner, writing recorded exchanges to w.
func NewRecordingBridge(inner Bridge, w io.Writer) *RecordingBridge {
	buf := bufio.NewWriter(w)
	return &RecordingBridge{inner: inner, out: buf, enc: json.NewEncoder(buf)}
}

// Dispatch forwards req to the wrapped Bridge and records the exchange.
func (r *RecordingBridge) Dispatch(ctx context.Context, req Request) Response {
	resp := r.inner.Dispatch(ctx, req)

	rec := record{Kind: req.Kind, Payload: req.Payload, Response: resp.Payload}
	if resp.Err != nil {
		rec.Err = resp.Err.Error()
	}

	r.mu.Lock()
	_ = r.enc.Encode(rec)
	_ = r.out.Flush()
	r.mu.Unlock()

	return resp
}

// ReplayingBridge satisfies Bridge from a recording file alone, making no
// real capability calls. Grounded on kwctl's ProxyMode::Replay.
type ReplayingBridge struct {
	mu               sync.Mutex
	byKindAndPayload map[string][]record
}

// NewReplayingBridge reads every recorded exchange from r.
func NewReplayingBridge(r io.Reader) (*ReplayingBridge, error) {
	rb := &ReplayingBridge{byKindAndPayload: make(map[string][]record)}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return nil, errors.Wrap(err, "cannot parse recorded callback exchange")
		}
		key := replayKey(rec.Kind, rec.Payload)
		rb.byKindAndPayload[key] = append(rb.byKindAndPayload[key], rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "cannot read callback recording")
	}

	return rb, nil
}

// Dispatch returns the next recorded response matching req's kind and
// payload, in the order it was recorded. An unmatched request is a
// host-capability-unavailable error: replay mode never calls out.
func (rb *ReplayingBridge) Dispatch(_ context.Context, req Request) Response {
	key := replayKey(req.Kind, req.Payload)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	queue := rb.byKindAndPayload[key]
	if len(queue) == 0 {
		return Response{Err: errors.Errorf("no recorded response for %s %s", req.Kind, req.Payload)}
	}
	rb.byKindAndPayload[key] = queue[1:]

	rec := queue[0]
	if rec.Err != "" {
		return Response{Err: errors.New(rec.Err)}
	}
	return Response{Payload: rec.Response}
}

func replayKey(kind Kind, payload json.RawMessage) string {
	return string(kind) + "\x00" + string(payload)
}
