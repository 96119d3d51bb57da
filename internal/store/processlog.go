package store

import (
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/tracing"
)

// ProcessLog keeps a bounded in-memory ring of redacted stdout/stderr lines
// per session. Never persisted: it exists so a human can ask "what did the
// backend print before it died" without the gateway retaining secrets.
type ProcessLog struct {
	mu    sync.Mutex
	limit int
	logs  map[string][]string
}

// NewProcessLog creates a ring holding up to limit lines per session.
func NewProcessLog(limit int) *ProcessLog {
	if limit <= 0 {
		limit = 200
	}
	return &ProcessLog{limit: limit, logs: make(map[string][]string)}
}

// Append records one line, redacting secrets before retention.
func (p *ProcessLog) Append(sessionID, line string) {
	line = tracing.Redact(line)
	p.mu.Lock()
	defer p.mu.Unlock()
	lines := append(p.logs[sessionID], line)
	if len(lines) > p.limit {
		lines = lines[len(lines)-p.limit:]
	}
	p.logs[sessionID] = lines
}

// Lines returns a copy of the session's retained lines.
func (p *ProcessLog) Lines(sessionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.logs[sessionID]
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// Clear drops a session's lines.
func (p *ProcessLog) Clear(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.logs, sessionID)
}
