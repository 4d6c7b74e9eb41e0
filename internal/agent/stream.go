package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	sseDataPrefix = "data:"
	sseDone       = "[DONE]"

	// maxRawCapture bounds the raw stream bytes kept for classification and diagnostics.
	maxRawCapture = 64 << 10
	readChunkSize = 4096
)

// StreamCallbacks are optional hooks fired by a Demux.
type StreamCallbacks struct {
	// OnFragment receives every non-empty decoded fragment in arrival order.
	OnFragment func(text string)
	// OnComplete fires once when the stream ends, with the accumulated answer.
	OnComplete func(answer string)
	// OnError receives per-line decode errors and the terminal read error, if any.
	OnError func(err error)
}

// Demux splits one streamed agent response into decodable units and
// accumulates their text. A Demux belongs to exactly one request.
type Demux struct {
	cb StreamCallbacks

	buf    []byte
	raw    bytes.Buffer
	answer strings.Builder

	units         int
	metadataUnits int
	decodeErrs    []error
	done          bool
	closed        bool
}

// NewDemux returns an empty accumulator.
func NewDemux(cb StreamCallbacks) *Demux {
	return &Demux{cb: cb}
}

// Write feeds one chunk of the stream. It never returns an error: undecodable
// lines are recorded and skipped.
func (d *Demux) Write(p []byte) (int, error) {
	if d.closed {
		return 0, errors.New("agent: write to closed demux")
	}
	if room := maxRawCapture - d.raw.Len(); room > 0 {
		if len(p) < room {
			room = len(p)
		}
		d.raw.Write(p[:room])
	}
	d.buf = append(d.buf, p...)
	d.process(false)
	return len(p), nil
}

// Close flushes any trailing partial line and fires OnComplete.
func (d *Demux) Close() error {
	if d.closed {
		return nil
	}
	d.process(true)
	d.closed = true
	if d.cb.OnComplete != nil {
		d.cb.OnComplete(d.Answer())
	}
	return nil
}

// Consume reads r until EOF, end-of-stream sentinel or ctx cancellation and
// closes the Demux. A read failure is returned as *NetworkError; the text
// accumulated so far stays available.
func (d *Demux) Consume(ctx context.Context, r io.Reader) error {
	chunk := make([]byte, readChunkSize)
	for !d.done {
		if err := ctx.Err(); err != nil {
			_ = d.Close()
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			_, _ = d.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			netErr := &NetworkError{Op: "read stream", Err: err}
			if d.cb.OnError != nil {
				d.cb.OnError(netErr)
			}
			_ = d.Close()
			return netErr
		}
	}
	return d.Close()
}

// Answer returns the fragments accumulated so far, trimmed.
func (d *Demux) Answer() string {
	return strings.TrimSpace(d.answer.String())
}

// Units returns the number of decoded units seen.
func (d *Demux) Units() int { return d.units }

// Raw returns the captured head of the raw stream.
func (d *Demux) Raw() []byte { return d.raw.Bytes() }

// DecodeErrors returns the per-line decode failures, in order.
func (d *Demux) DecodeErrors() []error { return d.decodeErrs }

// MetadataOnly reports whether the stream produced no answer and looked like
// an asynchronous acknowledgement.
func (d *Demux) MetadataOnly() bool {
	if d.Answer() != "" {
		return false
	}
	if d.metadataUnits > 0 {
		return true
	}
	raw := bytes.TrimSpace(d.raw.Bytes())
	return bytes.HasPrefix(raw, []byte("{")) &&
		(bytes.Contains(raw, []byte("request_id")) || bytes.Contains(raw, []byte("conversation_id")))
}

func (d *Demux) process(final bool) {
	trimmed := bytes.TrimSpace(d.buf)
	if len(trimmed) == 0 {
		if final {
			d.buf = d.buf[:0]
		}
		return
	}

	// Non-SSE chunked servers send bare objects, possibly across lines or
	// back to back without a separator.
	if trimmed[0] == '{' {
		objs, offset, err := splitObjects(trimmed)
		if err == nil {
			for _, obj := range objs {
				d.emit(DecodeUnit(obj))
			}
			d.buf = d.buf[:0]
			return
		}
		if !final && spansLines(d.buf) {
			return
		}
		if final && len(objs) > 0 {
			for _, obj := range objs {
				d.emit(DecodeUnit(obj))
			}
			d.buf = append(d.buf[:0], trimmed[offset:]...)
		}
	}

	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		d.handleLine(line)
	}
	if final && len(d.buf) > 0 {
		line := string(d.buf)
		d.buf = d.buf[:0]
		d.handleLine(line)
	}
}

// splitObjects decodes consecutive JSON objects from b. On failure it returns
// the objects decoded so far and the offset just past the last of them.
func splitObjects(b []byte) ([][]byte, int, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	var (
		objs   [][]byte
		offset int
	)
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			return objs, offset, nil
		}
		if err != nil {
			return objs, offset, err
		}
		if len(raw) == 0 || raw[0] != '{' {
			return objs, offset, errors.New("not a JSON object")
		}
		objs = append(objs, []byte(raw))
		offset = int(dec.InputOffset())
	}
}

// spansLines reports whether buf starts with an incomplete object whose first
// line is not a complete JSON value on its own.
func spansLines(buf []byte) bool {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		return true
	}
	return !json.Valid(bytes.TrimSpace(buf[:i]))
}

func (d *Demux) handleLine(line string) {
	line = strings.TrimSuffix(line, "\r")
	if strings.HasPrefix(line, sseDataPrefix) {
		// A single space after the field name is framing; the rest is payload.
		payload := strings.TrimPrefix(line[len(sseDataPrefix):], " ")
		d.handleData(payload, line)
		return
	}
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return
	case strings.HasPrefix(line, sseDataPrefix):
		d.handleData(strings.TrimSpace(line[len(sseDataPrefix):]), line)
	case strings.HasPrefix(line, "event:"), strings.HasPrefix(line, "id:"),
		strings.HasPrefix(line, "retry:"), strings.HasPrefix(line, ":"):
		return
	case strings.HasPrefix(line, "{"):
		if !json.Valid([]byte(line)) {
			d.decodeFailed(line, errors.New("invalid JSON object"))
			return
		}
		d.emit(DecodeUnit([]byte(line)))
	default:
		d.appendText(line + "\n")
	}
}

func (d *Demux) handleData(payload, line string) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return
	}
	if trimmed == sseDone {
		d.done = true
		return
	}
	if json.Valid([]byte(trimmed)) {
		d.emit(DecodeUnit([]byte(trimmed)))
		return
	}
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		d.decodeFailed(line, errors.New("invalid JSON payload"))
		return
	}
	d.appendText(payload)
}

func (d *Demux) emit(unit AnswerUnit) {
	d.units++
	if unit.Kind == UnitMetadata {
		d.metadataUnits++
	}
	d.appendText(unit.Text)
}

func (d *Demux) appendText(text string) {
	if text == "" {
		return
	}
	d.answer.WriteString(text)
	if d.cb.OnFragment != nil {
		d.cb.OnFragment(text)
	}
}

func (d *Demux) decodeFailed(line string, err error) {
	decErr := &StreamDecodeError{Line: truncateLine(line), Err: err}
	d.decodeErrs = append(d.decodeErrs, decErr)
	if d.cb.OnError != nil {
		d.cb.OnError(decErr)
	}
}

func truncateLine(s string) string {
	const max = 100
	if len(s) <= max {
		return s
	}
	return s[:max]
}
