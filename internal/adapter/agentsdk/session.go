package agentsdk

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

type session struct {
	id    string
	query Query

	msgs chan *unified.Message

	mu      sync.Mutex
	closed  bool
	waiters map[string]chan Decision
}

var (
	_ adapter.Session             = (*session)(nil)
	_ adapter.Interruptible       = (*session)(nil)
	_ adapter.PermissionResponder = (*session)(nil)
)

func newSession(opts adapter.ConnectOptions) *session {
	return &session{
		id:      opts.SessionID,
		msgs:    make(chan *unified.Message, 256),
		waiters: make(map[string]chan Decision),
	}
}

func (s *session) SessionID() string                 { return s.id }
func (s *session) Messages() <-chan *unified.Message { return s.msgs }

func (s *session) emitInit(opts adapter.ConnectOptions) {
	backendID := "sdk-" + opts.SessionID
	if opts.Resume != "" {
		backendID = opts.Resume
	}
	s.emit(unified.New(unified.TypeSessionInit, unified.RoleSystem, nil, map[string]any{
		adapter.MetaBackendSessionID: backendID,
		adapter.MetaModel:            opts.Model,
	}))
}

func (s *session) emit(msg *unified.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		slog.Warn("agentsdk message buffer full, dropping", "sessionId", s.id, "type", msg.Type)
	}
}

// pump translates SDK messages until the iterator ends.
func (s *session) pump() {
	for raw := range s.query.Messages() {
		s.emit(translateSDKMessage(raw))
	}
	s.closeStream()
}

// canUseTool is handed to the SDK. It publishes a permission_request and
// blocks until the runtime resolves it or the session closes.
func (s *session) canUseTool(ctx context.Context, toolName string, input map[string]any) Decision {
	requestID := uuid.NewString()
	ch := make(chan Decision, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Decision{Behavior: "deny", Message: "Session closed"}
	}
	s.waiters[requestID] = ch
	s.mu.Unlock()

	s.emit(unified.New(unified.TypePermissionRequest, unified.RoleSystem, nil, map[string]any{
		adapter.MetaRequestID: requestID,
		adapter.MetaToolName:  toolName,
		"input":               input,
	}))

	select {
	case d, ok := <-ch:
		if !ok {
			return Decision{Behavior: "deny", Message: "Session closed"}
		}
		return d
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, requestID)
		s.mu.Unlock()
		return Decision{Behavior: "deny", Message: "Permission request cancelled"}
	}
}

// Send maps runtime messages onto the SDK surface.
func (s *session) Send(msg *unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gateerr.SessionClosed(s.id)
	}
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		return s.query.Push(msg.FirstText())
	case unified.TypeInterrupt:
		return s.query.Interrupt()
	case unified.TypePermissionResponse:
		s.resolve(msg.MetaString(adapter.MetaRequestID), Decision{
			Behavior:     msg.MetaString("behavior"),
			UpdatedInput: metaMap(msg.Metadata["updated_input"]),
			Message:      msg.MetaString("message"),
		})
		return nil
	default:
		return nil
	}
}

func metaMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// resolve delivers a decision to its waiter. Unknown ids are ignored — the
// waiter may have been cancelled already.
func (s *session) resolve(requestID string, d Decision) {
	s.mu.Lock()
	ch, ok := s.waiters[requestID]
	if ok {
		delete(s.waiters, requestID)
	}
	s.mu.Unlock()
	if ok {
		ch <- d
	}
}

func (s *session) Interrupt() error {
	return s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser, nil, nil))
}

func (s *session) RespondToPermission(requestID, behavior string, updatedInput map[string]any, message string) error {
	meta := map[string]any{
		adapter.MetaRequestID: requestID,
		"behavior":            behavior,
		"message":             message,
	}
	if updatedInput != nil {
		meta["updated_input"] = updatedInput
	}
	return s.Send(unified.New(unified.TypePermissionResponse, unified.RoleUser, nil, meta))
}

// closeStream ends the message stream and denies every pending permission
// waiter with "Session closed".
func (s *session) closeStream() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.waiters {
		ch <- Decision{Behavior: "deny", Message: "Session closed"}
		close(ch)
		delete(s.waiters, id)
	}
	close(s.msgs)
	s.mu.Unlock()
}

// Close cancels the SDK query and ends the stream. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	_ = s.query.Close()
	s.closeStream()
	return nil
}
