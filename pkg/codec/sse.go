package codec

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// SSEEvent is one dispatched server-sent event. Only the data payload is
// retained; event names travel inside the JSON payloads of the agents that
// use SSE.
type SSEEvent struct {
	Data string
}

// SSEScanner incrementally parses a server-sent-event byte stream. Chunks
// may split lines and even UTF-8 sequences at arbitrary boundaries; Feed
// buffers partial lines and returns the events completed by the new bytes.
type SSEScanner struct {
	partial   strings.Builder
	dataLines []string
	hasData   bool
}

// Feed consumes the next chunk and returns any events it completed.
func (s *SSEScanner) Feed(chunk []byte) []SSEEvent {
	var events []SSEEvent
	for _, b := range chunk {
		if b != '\n' {
			s.partial.WriteByte(b)
			continue
		}
		line := strings.TrimSuffix(s.partial.String(), "\r")
		s.partial.Reset()
		if ev, ok := s.endOfLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// endOfLine processes one complete line; a blank line dispatches the event.
func (s *SSEScanner) endOfLine(line string) (SSEEvent, bool) {
	if line == "" {
		if !s.hasData {
			// Events with no data field are skipped entirely.
			s.reset()
			return SSEEvent{}, false
		}
		ev := SSEEvent{Data: strings.Join(s.dataLines, "\n")}
		s.reset()
		return ev, true
	}
	if strings.HasPrefix(line, ":") {
		return SSEEvent{}, false // comment / keep-alive
	}
	field, value := line, ""
	if i := strings.IndexByte(line, ':'); i >= 0 {
		field = line[:i]
		value = strings.TrimPrefix(line[i+1:], " ")
	}
	if field == "data" {
		s.dataLines = append(s.dataLines, value)
		s.hasData = true
	}
	// Other fields (event, id, retry) carry nothing we consume.
	return SSEEvent{}, false
}

func (s *SSEScanner) reset() {
	s.dataLines = nil
	s.hasData = false
}

// ParseSSE reads r until EOF or ctx cancellation, sending each dispatched
// event on the returned channel. The channel is closed when the stream ends.
func ParseSSE(ctx context.Context, r io.Reader) <-chan SSEEvent {
	ch := make(chan SSEEvent)
	go func() {
		defer close(ch)
		var scanner SSEScanner
		reader := bufio.NewReader(r)
		buf := make([]byte, 4096)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				for _, ev := range scanner.Feed(buf[:n]) {
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return ch
}
