// Package relay bridges upstream SSE streams to per-consumer event
// channels.
//
// The relay reads the upstream body on its own goroutine and forwards
// parsed events over a bounded channel. A slow consumer never blocks
// the upstream read indefinitely: when the buffer fills, the stream is
// torn down with a terminal error event rather than stalling. A
// consumer disconnect (context cancellation) closes the upstream body
// so the read goroutine cannot leak.
package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsunagi/internal/model"
)

// bufferSize bounds in-flight events per stream. Sized for bursty
// token chunks; a consumer more than a full buffer behind is treated
// as gone.
const bufferSize = 64

// maxLineSize bounds a single SSE line from upstream.
const maxLineSize = 1024 * 1024

// Relay converts upstream SSE bodies into StreamEvent channels.
type Relay struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Relay {
	return &Relay{logger: logger}
}

// Run consumes the upstream body and returns a channel of parsed
// events. The channel is closed when the stream ends, errors, or ctx
// is cancelled. Run takes ownership of body and always closes it.
func (r *Relay) Run(ctx context.Context, runID uuid.UUID, body io.ReadCloser) <-chan model.StreamEvent {
	out := make(chan model.StreamEvent, bufferSize)
	readerDone := make(chan struct{})

	// Unblock a pending Read when the consumer goes away.
	go func() {
		select {
		case <-ctx.Done():
			body.Close()
		case <-readerDone:
		}
	}()

	go func() {
		defer close(out)
		defer close(readerDone)
		defer body.Close()
		r.pump(ctx, runID, body, out)
	}()

	return out
}

// pump parses the SSE wire format: "event:" and "data:" lines grouped
// by blank-line separators.
func (r *Relay) pump(ctx context.Context, runID uuid.UUID, body io.Reader, out chan<- model.StreamEvent) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var eventName string
	var data bytes.Buffer
	sawEnd := false

	flush := func() bool {
		if data.Len() == 0 && eventName == "" {
			return true
		}
		ev := model.StreamEvent{
			Type:      eventType(eventName),
			RunID:     runID,
			Payload:   json.RawMessage(bytes.Clone(data.Bytes())),
			Timestamp: time.Now().UTC(),
		}
		eventName = ""
		data.Reset()

		if ev.Type == model.StreamEventEnd {
			sawEnd = true
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		default:
			// Consumer is a full buffer behind. Tear the stream down
			// instead of stalling the upstream read.
			r.logger.Warn("stream consumer fell behind, dropping stream", "run_id", runID)
			r.sendTerminalError(ctx, runID, out, "consumer fell behind")
			return false
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if !flush() {
				return
			}
		case strings.HasPrefix(line, "event:"):
			eventName = trimField(line, "event:")
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(trimField(line, "data:"))
		default:
			// Comments (":keepalive") and unknown fields are ignored.
		}
	}

	if !flush() {
		return
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		r.logger.Warn("upstream stream read failed", "run_id", runID, "error", err)
		r.sendTerminalError(ctx, runID, out, "upstream stream failed")
		return
	}
	if !sawEnd && ctx.Err() == nil {
		r.sendTerminalError(ctx, runID, out, "upstream stream ended unexpectedly")
	}
}

// sendTerminalError makes a best-effort delivery of a terminal error
// event. It gives the consumer a short grace window to drain, then
// gives up; the channel close is the hard signal either way.
func (r *Relay) sendTerminalError(ctx context.Context, runID uuid.UUID, out chan<- model.StreamEvent, msg string) {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	ev := model.StreamEvent{
		Type:      model.StreamEventError,
		RunID:     runID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
	}
}

func eventType(name string) model.StreamEventType {
	switch name {
	case "start":
		return model.StreamEventStart
	case "end", "done":
		return model.StreamEventEnd
	case "error":
		return model.StreamEventError
	default:
		return model.StreamEventChunk
	}
}

func trimField(line, prefix string) string {
	v := line[len(prefix):]
	if len(v) > 0 && v[0] == ' ' {
		v = v[1:]
	}
	return v
}
