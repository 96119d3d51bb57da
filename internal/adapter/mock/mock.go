// Package mock is an in-process echo backend used by the test suites and by
// `agentgate daemon --with-mock`. It answers every user message with
// "echo: <text>" and exposes hooks for injecting arbitrary backend traffic.
package mock

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// Decision records one permission response delivered to the mock.
type Decision struct {
	RequestID    string
	Behavior     string
	UpdatedInput map[string]any
	Message      string
}

// Adapter is the mock family.
type Adapter struct {
	// FailConnect makes every Connect fail while it is set, for error-path tests.
	FailConnect bool

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a mock adapter.
func New() *Adapter {
	return &Adapter{sessions: make(map[string]*Session)}
}

func (a *Adapter) Name() string { return "mock" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:     true,
		Permissions:   true,
		SlashCommands: true,
		Availability:  adapter.AvailabilityLocal,
	}
}

// Connect opens an echo session and emits its session_init.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	if a.FailConnect {
		return nil, gateerr.Connection("mock connect refused", nil)
	}
	s := &Session{
		id:        opts.SessionID,
		msgs:      make(chan *unified.Message, 256),
		decisions: make(chan Decision, 16),
	}
	a.mu.Lock()
	a.sessions[opts.SessionID] = s
	a.mu.Unlock()

	backendID := "mock-" + opts.SessionID
	if opts.Resume != "" {
		backendID = opts.Resume
	}
	init := unified.New(unified.TypeSessionInit, unified.RoleSystem, nil, map[string]any{
		adapter.MetaBackendSessionID: backendID,
		adapter.MetaModel:            opts.Model,
		adapter.MetaSlashCommands:    []string{"/help"},
	})
	s.Emit(init)
	return s, nil
}

// SessionFor returns the live mock session for a session id, for tests that
// need to inject backend traffic mid-scenario.
func (a *Adapter) SessionFor(sessionID string) *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessions[sessionID]
}

// Session is one echo conversation.
type Session struct {
	id        string
	msgs      chan *unified.Message
	decisions chan Decision

	mu     sync.Mutex
	closed bool
	model  string
	mode   string
}

var (
	_ adapter.Session             = (*Session)(nil)
	_ adapter.Interruptible       = (*Session)(nil)
	_ adapter.Configurable        = (*Session)(nil)
	_ adapter.PermissionResponder = (*Session)(nil)
)

func (s *Session) SessionID() string                 { return s.id }
func (s *Session) Messages() <-chan *unified.Message { return s.msgs }

// Emit injects one backend message into the stream. Dropped when the buffer
// is full or the session is closed.
func (s *Session) Emit(msg *unified.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
	}
}

// EmitStatus injects a status_change.
func (s *Session) EmitStatus(status string) {
	s.Emit(unified.New(unified.TypeStatusChange, unified.RoleSystem, nil, map[string]any{
		adapter.MetaStatus: status,
	}))
}

// EmitPermissionRequest injects a permission_request and returns its id.
func (s *Session) EmitPermissionRequest(toolName string, input map[string]any) string {
	requestID := uuid.NewString()
	s.Emit(unified.New(unified.TypePermissionRequest, unified.RoleSystem, nil, map[string]any{
		adapter.MetaRequestID: requestID,
		adapter.MetaToolName:  toolName,
		"input":               input,
		adapter.MetaToolUseID: "toolu_" + requestID[:8],
	}))
	return requestID
}

// Send handles one runtime-normalized message.
func (s *Session) Send(msg *unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gateerr.SessionClosed(s.id)
	}
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		s.echo(msg.FirstText())
	case unified.TypeInterrupt:
		s.Emit(unified.New(unified.TypeResult, unified.RoleSystem, nil, map[string]any{
			adapter.MetaIsError:    false,
			adapter.MetaStopReason: "interrupted",
		}))
		s.EmitStatus("idle")
	case unified.TypeConfigurationChange:
		s.mu.Lock()
		if m := msg.MetaString(adapter.MetaModel); m != "" {
			s.model = m
		}
		if m := msg.MetaString(adapter.MetaPermissionMode); m != "" {
			s.mode = m
		}
		s.mu.Unlock()
	}
	return nil
}

func (s *Session) echo(text string) {
	s.EmitStatus("running")
	s.Emit(unified.New(unified.TypeAssistant, unified.RoleAssistant,
		[]unified.Content{unified.Text("echo: " + text)}, nil))
	s.Emit(unified.New(unified.TypeResult, unified.RoleSystem, nil, map[string]any{
		adapter.MetaIsError:    false,
		adapter.MetaStopReason: "end_turn",
	}))
	s.EmitStatus("idle")
}

func (s *Session) Interrupt() error {
	return s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser, nil, nil))
}

func (s *Session) SetModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gateerr.SessionClosed(s.id)
	}
	s.model = model
	return nil
}

func (s *Session) SetPermissionMode(mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return gateerr.SessionClosed(s.id)
	}
	s.mode = mode
	return nil
}

// Model returns the last configured model.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// RespondToPermission records the decision for test observation.
func (s *Session) RespondToPermission(requestID, behavior string, updatedInput map[string]any, message string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gateerr.SessionClosed(s.id)
	}
	s.mu.Unlock()
	select {
	case s.decisions <- Decision{RequestID: requestID, Behavior: behavior, UpdatedInput: updatedInput, Message: message}:
	default:
	}
	return nil
}

// Decisions exposes recorded permission responses.
func (s *Session) Decisions() <-chan Decision { return s.decisions }

// Close terminates the stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.msgs)
	return nil
}
