package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
)

// maxNDJSONLine bounds a single NDJSON line. Resumed agent sessions can
// replay very large history messages on one line.
const maxNDJSONLine = 10 * 1024 * 1024

// DecodeNDJSONLine parses one NDJSON line: trailing \r stripped, empty
// lines reported as (nil, false), invalid JSON as (nil, false). Framing
// never fails hard — bad lines are the caller's cue to skip.
func DecodeNDJSONLine(line []byte) (json.RawMessage, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, false
	}
	if !json.Valid(line) {
		return nil, false
	}
	out := make(json.RawMessage, len(line))
	copy(out, line)
	return out, true
}

// ScanNDJSON reads newline-delimited JSON from r, invoking fn for each valid
// line. Non-parseable lines are logged and skipped, never fatal. Returns the
// reader error, if any, once the stream ends.
func ScanNDJSON(r io.Reader, fn func(json.RawMessage)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxNDJSONLine)
	for scanner.Scan() {
		raw, ok := DecodeNDJSONLine(scanner.Bytes())
		if !ok {
			if len(bytes.TrimSpace(scanner.Bytes())) > 0 {
				slog.Debug("skipping malformed ndjson line", "bytes", len(scanner.Bytes()))
			}
			continue
		}
		fn(raw)
	}
	return scanner.Err()
}
