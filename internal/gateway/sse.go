package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter writes OpenAI-style "data:" frames and flushes each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func (s *sseWriter) data(payload any) {
	if s.err != nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.err = err
		return
	}
	s.raw(string(raw))
}

func (s *sseWriter) raw(data string) {
	if s.err != nil {
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		s.err = err
		return
	}
	s.flusher.Flush()
}

func (s *sseWriter) done() {
	s.raw("[DONE]")
}
