package acp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
	"github.com/nextlevelbuilder/agentgate/pkg/codec"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

type sessionState int

const (
	stateConnecting sessionState = iota
	stateInitializing
	stateReady
	stateClosed
)

type session struct {
	id     string
	handle *supervisor.Handle
	sup    *supervisor.Supervisor
	rpc    *codec.JSONRPC

	msgs chan *unified.Message

	mu        sync.Mutex
	state     sessionState
	backendID string
	// pending correlates JSON-RPC response waiters by request id.
	pending map[int64]chan codec.RPCMessage
	// permIDs maps emitted permission request ids back to the JSON-RPC id of
	// the agent's session/request_permission call.
	permIDs map[string]int64

	writeMu sync.Mutex
}

var (
	_ adapter.Session             = (*session)(nil)
	_ adapter.Interruptible       = (*session)(nil)
	_ adapter.Configurable        = (*session)(nil)
	_ adapter.PermissionResponder = (*session)(nil)
	_ adapter.RawSender           = (*session)(nil)
)

func newSession(opts adapter.ConnectOptions, handle *supervisor.Handle, sup *supervisor.Supervisor) *session {
	return &session{
		id:      opts.SessionID,
		handle:  handle,
		sup:     sup,
		rpc:     codec.NewJSONRPC(),
		msgs:    make(chan *unified.Message, 256),
		state:   stateInitializing,
		pending: make(map[int64]chan codec.RPCMessage),
		permIDs: make(map[string]int64),
	}
}

func (s *session) SessionID() string                 { return s.id }
func (s *session) Messages() <-chan *unified.Message { return s.msgs }

func (s *session) emit(msg *unified.Message) {
	if msg == nil {
		return
	}
	// Hold the lock across the send so closeStream cannot close msgs
	// between the state check and the send. The send never blocks.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateClosed {
		return
	}
	select {
	case s.msgs <- msg:
	default:
		slog.Warn("acp message buffer full, dropping", "sessionId", s.id, "type", msg.Type)
	}
}

// writeRPC serializes one frame onto the child's stdin.
func (s *session) writeRPC(m codec.RPCMessage) error {
	line, err := s.rpc.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.handle.Stdin.Write(line)
	return err
}

// call issues a request and waits for the matching response.
func (s *session) call(ctx context.Context, method string, params any) (map[string]any, error) {
	req, err := s.rpc.NewRequest(method, params)
	if err != nil {
		return nil, err
	}

	ch := make(chan codec.RPCMessage, 1)
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil, gateerr.SessionClosed(s.id)
	}
	s.pending[*req.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, *req.ID)
		s.mu.Unlock()
	}()

	if err := s.writeRPC(req); err != nil {
		return nil, gateerr.Connection("write "+method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, gateerr.Connection(method+": stream closed", nil)
		}
		if resp.Error != nil {
			return nil, gateerr.Protocol(method, resp.Error)
		}
		var result map[string]any
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, gateerr.Protocol(method+": bad result", err)
			}
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop pumps stdout frames until the transport ends. Malformed frames
// never terminate the session.
func (s *session) readLoop() {
	err := codec.ScanNDJSON(s.handle.Stdout, func(raw json.RawMessage) {
		m, err := s.rpc.Decode(raw)
		if err != nil {
			slog.Debug("acp: dropping malformed frame", "sessionId", s.id, "error", err)
			return
		}
		s.dispatch(m)
	})
	if err != nil {
		slog.Debug("acp stdout ended", "sessionId", s.id, "error", err)
	}
	s.closeStream()
}

func (s *session) dispatch(m codec.RPCMessage) {
	switch {
	case m.IsResponse():
		s.mu.Lock()
		ch, ok := s.pending[*m.ID]
		s.mu.Unlock()
		if ok {
			select {
			case ch <- m:
			default:
			}
		}
	case m.IsNotification():
		if m.Method == methodSessionUpdate {
			s.emit(translateSessionUpdate(m.Params))
		}
	case m.IsRequest():
		s.handleAgentRequest(m)
	}
}

// handleAgentRequest services calls the agent makes back into the gateway.
// Only permission prompts are supported; fs/terminal capabilities are
// rejected with method-not-found.
func (s *session) handleAgentRequest(m codec.RPCMessage) {
	if m.Method == methodRequestPermission {
		msg := translatePermissionRequest(m.Params)
		if msg == nil {
			resp := s.rpc.NewErrorResponse(*m.ID, codec.CodeMethodNotFound, "malformed permission request")
			_ = s.writeRPC(resp)
			return
		}
		requestID := msg.MetaString(adapter.MetaRequestID)
		s.mu.Lock()
		s.permIDs[requestID] = *m.ID
		s.mu.Unlock()
		s.emit(msg)
		return
	}
	if strings.HasPrefix(m.Method, "fs/") || strings.HasPrefix(m.Method, "terminal/") {
		resp := s.rpc.NewErrorResponse(*m.ID, codec.CodeMethodNotFound, "Method not supported")
		_ = s.writeRPC(resp)
		return
	}
	resp := s.rpc.NewErrorResponse(*m.ID, codec.CodeMethodNotFound, "Method not supported")
	_ = s.writeRPC(resp)
}

// Send translates runtime messages onto the wire.
func (s *session) Send(msg *unified.Message) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return gateerr.SessionClosed(s.id)
	}
	backendID := s.backendID
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		go s.prompt(backendID, msg)
		return nil
	case unified.TypeInterrupt:
		notif, err := s.rpc.NewNotification(methodSessionCancel, map[string]any{"sessionId": backendID})
		if err != nil {
			return err
		}
		return s.writeRPC(notif)
	case unified.TypePermissionResponse:
		return s.respondPermission(msg)
	case unified.TypeConfigurationChange:
		if mode := msg.MetaString(adapter.MetaPermissionMode); mode != "" {
			notif, err := s.rpc.NewNotification(methodSessionSetMode, map[string]any{
				"sessionId": backendID, "modeId": mode,
			})
			if err != nil {
				return err
			}
			return s.writeRPC(notif)
		}
		return nil
	default:
		// Nothing to send for other types.
		return nil
	}
}

// prompt issues session/prompt and turns its eventual response into a
// result message. The response arrives only when the turn completes, so it
// runs off the caller's goroutine.
func (s *session) prompt(backendID string, msg *unified.Message) {
	blocks := []map[string]any{}
	for _, c := range msg.Content {
		switch c.Type {
		case unified.ContentText:
			blocks = append(blocks, map[string]any{"type": "text", "text": c.Text})
		case unified.ContentImage:
			if c.Source != nil {
				blocks = append(blocks, map[string]any{
					"type": "image", "mimeType": c.Source.MediaType, "data": c.Source.Data,
				})
			}
		}
	}

	result, err := s.call(context.Background(), methodSessionPrompt, map[string]any{
		"sessionId": backendID,
		"prompt":    blocks,
	})
	if err != nil {
		s.emit(unified.New(unified.TypeResult, unified.RoleSystem, nil, map[string]any{
			adapter.MetaIsError: true,
			"errors":            []string{err.Error()},
			adapter.MetaStopReason: nil,
		}))
		return
	}
	meta := map[string]any{
		adapter.MetaIsError:    false,
		adapter.MetaStopReason: result["stopReason"],
	}
	if usage, ok := result["usage"]; ok {
		meta["usage"] = usage
	}
	s.emit(unified.New(unified.TypeResult, unified.RoleSystem, nil, meta))
}

// respondPermission answers the stashed session/request_permission call.
// Unknown request ids are ignored: the agent already got a timeout answer.
func (s *session) respondPermission(msg *unified.Message) error {
	requestID := msg.MetaString(adapter.MetaRequestID)
	s.mu.Lock()
	rpcID, ok := s.permIDs[requestID]
	if ok {
		delete(s.permIDs, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	var outcome map[string]any
	if msg.MetaString("behavior") == "allow" {
		outcome = map[string]any{"outcome": "selected", "optionId": msg.MetaString("option_id")}
		if outcome["optionId"] == "" {
			outcome["optionId"] = "allow_once"
		}
	} else {
		outcome = map[string]any{"outcome": "cancelled"}
	}
	resp, err := s.rpc.NewResponse(rpcID, map[string]any{"outcome": outcome})
	if err != nil {
		return err
	}
	return s.writeRPC(resp)
}

func (s *session) Interrupt() error {
	return s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser, nil, nil))
}

func (s *session) SetModel(model string) error {
	return s.Send(unified.New(unified.TypeConfigurationChange, unified.RoleUser, nil,
		map[string]any{adapter.MetaModel: model}))
}

func (s *session) SetPermissionMode(mode string) error {
	return s.Send(unified.New(unified.TypeConfigurationChange, unified.RoleUser, nil,
		map[string]any{adapter.MetaPermissionMode: mode}))
}

func (s *session) RespondToPermission(requestID, behavior string, updatedInput map[string]any, message string) error {
	meta := map[string]any{
		adapter.MetaRequestID: requestID,
		"behavior":            behavior,
		"message":             message,
	}
	return s.Send(unified.New(unified.TypePermissionResponse, unified.RoleUser, nil, meta))
}

// SendRaw writes one verbatim line to the agent's stdin.
func (s *session) SendRaw(line string) error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return gateerr.SessionClosed(s.id)
	}
	s.mu.Unlock()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, err := s.handle.Stdin.Write([]byte(line))
	return err
}

// closeStream marks the session closed and releases waiters. Called from
// the read loop on transport end and from Close.
func (s *session) closeStream() {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosed
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	close(s.msgs)
	s.mu.Unlock()
}

// Close terminates the child (SIGTERM with the supervisor's SIGKILL
// escalation) and ends the stream. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	alreadyClosed := s.state == stateClosed
	s.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	_ = s.handle.Stdin.Close()
	s.sup.Kill(s.id)
	// readLoop observes stdout EOF and calls closeStream; make sure the
	// stream ends even if the pipe lingers.
	s.closeStream()
	return nil
}
