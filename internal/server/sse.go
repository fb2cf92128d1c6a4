package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"
)

const sseWriteTimeout = 3 * time.Second

// SSEStream writes Server-Sent Events to one client.
type SSEStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSEStream sends the event-stream headers. It fails when w
// cannot flush.
func NewSSEStream(w http.ResponseWriter) (*SSEStream, error) {
	if _, ok := w.(http.Flusher); !ok {
		return nil, errors.New("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		return nil, err
	}
	return &SSEStream{w: w, rc: rc}, nil
}

// Send writes one event. It returns false when the write fails.
func (s *SSEStream) Send(event, data string) bool {
	// Bounded so a stalled client cannot hold an import open.
	_ = s.rc.SetWriteDeadline(time.Now().Add(sseWriteTimeout))
	defer func() { _ = s.rc.SetWriteDeadline(time.Time{}) }()

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		log.Printf("SSE write error for %q: %v", event, err)
		return false
	}
	_ = s.rc.Flush()
	return true
}

// SendJSON writes one event with a JSON payload.
func (s *SSEStream) SendJSON(event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("SSE marshal error for %q: %v", event, err)
		return false
	}
	return s.Send(event, string(data))
}
