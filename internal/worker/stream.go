package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kandev/dispatch/internal/common/apperr"
)

// EventType enumerates the framed event types a worker may emit on
// the /chat stream (§6.1).
type EventType string

const (
	EventText       EventType = "text"
	EventToolCall   EventType = "tool_call"
	EventToolResult EventType = "tool_result"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Frame is one decoded server-sent event.
type Frame struct {
	Type     EventType      `json:"-"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatRequest is the body of POST /chat.
type ChatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// EventStream yields decoded frames from a worker's /chat response
// until the body is exhausted or Close is called.
type EventStream struct {
	resp    *http.Response
	scanner *bufio.Scanner
}

// Chat opens the worker's framed event stream for a session. The
// stream must be consumed (or Closed) by the caller; no timeout is
// applied here since a chat turn may legitimately run long — callers
// bound duration via ctx.
func (c *Client) Chat(ctx context.Context, baseURL string, req ChatRequest) (*EventStream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStreamError, "encode chat request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStreamError, "build chat request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStreamError, "chat request failed", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, apperr.New(apperr.KindStreamError, fmt.Sprintf("worker /chat returned %d", resp.StatusCode))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &EventStream{resp: resp, scanner: scanner}, nil
}

// Next reads and decodes the next frame. It returns io.EOF when the
// stream closes with no further events, tolerating unknown event
// types verbatim per §6.1.
func (s *EventStream) Next() (*Frame, error) {
	var eventType string
	var dataLines []string

	for s.scanner.Scan() {
		line := s.scanner.Text()

		switch {
		case line == "":
			if eventType == "" && len(dataLines) == 0 {
				continue
			}
			return decodeFrame(eventType, strings.Join(dataLines, "\n"))
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStreamError, "read chat stream", err)
	}

	if eventType != "" || len(dataLines) > 0 {
		return decodeFrame(eventType, strings.Join(dataLines, "\n"))
	}
	return nil, io.EOF
}

func decodeFrame(eventType, data string) (*Frame, error) {
	frame := &Frame{Type: EventType(eventType)}
	if data != "" {
		if err := json.Unmarshal([]byte(data), frame); err != nil {
			return nil, apperr.Wrap(apperr.KindStreamError, "decode chat frame", err)
		}
	}
	return frame, nil
}

// Close releases the underlying HTTP response body.
func (s *EventStream) Close() error {
	return s.resp.Body.Close()
}
