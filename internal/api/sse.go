package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// sseSink writes orchestrator events to an HTTP response as server-sent
// events: an `event:` line, a `data:` line with the JSON payload, a blank
// line, flushed per event. Send fails once the client is gone; the
// orchestrator treats that as stop-forwarding, not as turn failure.
type sseSink struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(c echo.Context) (*sseSink, error) {
	resp := c.Response()
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	header := resp.Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseSink{writer: resp.Writer, flusher: flusher}, nil
}

// Send implements orchestrator.EventSink.
func (s *sseSink) Send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.writer, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Done writes the terminal marker closing the stream.
func (s *sseSink) Done() {
	fmt.Fprint(s.writer, "event: done\n\n")
	s.flusher.Flush()
}
