package codex

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
	"github.com/nextlevelbuilder/agentgate/pkg/codec"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

type session struct {
	id   string
	conn *websocket.Conn
	rpc  *codec.JSONRPC

	msgs chan *unified.Message

	mu      sync.Mutex
	closed  bool
	pending map[int64]chan codec.RPCMessage

	// writeCtx outlives the dial context: frames are written for the whole
	// session lifetime.
	writeCtx  context.Context
	writeStop context.CancelFunc
}

var (
	_ adapter.Session             = (*session)(nil)
	_ adapter.Interruptible       = (*session)(nil)
	_ adapter.PermissionResponder = (*session)(nil)
)

// dialSession opens the WS, runs initialize/initialized and starts the pump.
func dialSession(ctx context.Context, url string, opts adapter.ConnectOptions) (*session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err != nil {
		return nil, gateerr.Connection("dial codex app-server", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	writeCtx, writeStop := context.WithCancel(context.Background())
	s := &session{
		id:        opts.SessionID,
		conn:      conn,
		rpc:       codec.NewJSONRPC(),
		msgs:      make(chan *unified.Message, 256),
		pending:   make(map[int64]chan codec.RPCMessage),
		writeCtx:  writeCtx,
		writeStop: writeStop,
	}
	go s.readLoop()

	hctx, hcancel := context.WithTimeout(ctx, handshakeTimeout)
	defer hcancel()
	initResult, err := s.call(hctx, "initialize", map[string]any{
		"clientInfo": map[string]any{"name": "agentgate", "version": "1"},
		"sessionId":  opts.SessionID,
		"resume":     opts.Resume,
		"cwd":        opts.Cwd,
	})
	if err != nil {
		s.Close()
		return nil, gateerr.Connection("initialize handshake timed out", err)
	}
	if notif, err := s.rpc.NewNotification("initialized", nil); err == nil {
		_ = s.write(notif)
	}

	meta := map[string]any{
		adapter.MetaBackendSessionID: opts.SessionID,
	}
	for k, v := range initResult {
		meta[k] = v
	}
	if opts.Resume != "" {
		meta[adapter.MetaBackendSessionID] = opts.Resume
	}
	s.emit(unified.New(unified.TypeSessionInit, unified.RoleSystem, nil, meta))
	return s, nil
}

func (s *session) SessionID() string                 { return s.id }
func (s *session) Messages() <-chan *unified.Message { return s.msgs }

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
		slog.Warn("codex message buffer full, dropping", "sessionId", s.id, "type", msg.Type)
	}
}

func (s *session) write(m codec.RPCMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.conn.Write(s.writeCtx, websocket.MessageText, data)
}

// call issues a request and waits for its response.
func (s *session) call(ctx context.Context, method string, params any) (map[string]any, error) {
	req, err := s.rpc.NewRequest(method, params)
	if err != nil {
		return nil, err
	}
	ch := make(chan codec.RPCMessage, 1)
	s.mu.Lock()
	if s.closed {
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

	if err := s.write(req); err != nil {
		return nil, gateerr.Connection("write "+method, err)
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, gateerr.Connection(method+": connection closed", nil)
		}
		if resp.Error != nil {
			return nil, gateerr.Protocol(method, resp.Error)
		}
		var result map[string]any
		if len(resp.Result) > 0 {
			_ = json.Unmarshal(resp.Result, &result)
		}
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// readLoop pumps frames until the socket closes. Malformed frames are
// dropped; the session survives them.
func (s *session) readLoop() {
	for {
		_, data, err := s.conn.Read(s.writeCtx)
		if err != nil {
			s.closeStream()
			return
		}
		m, err := s.rpc.Decode(data)
		if err != nil {
			slog.Debug("codex: dropping malformed frame", "sessionId", s.id, "error", err)
			continue
		}
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
			s.emit(translateEvent(m.Method, m.Params))
		}
	}
}

// Send maps runtime messages onto the Codex RPC surface.
func (s *session) Send(msg *unified.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return gateerr.SessionClosed(s.id)
	}
	s.mu.Unlock()

	switch msg.Type {
	case unified.TypeUserMessage:
		go func() {
			if _, err := s.call(s.writeCtx, "turn.create", map[string]any{
				"input": []map[string]any{{"type": "text", "text": msg.FirstText()}},
			}); err != nil {
				slog.Debug("codex turn.create failed", "sessionId", s.id, "error", err)
			}
		}()
		return nil
	case unified.TypeInterrupt:
		notif, err := s.rpc.NewNotification("turn.cancel", nil)
		if err != nil {
			return err
		}
		return s.write(notif)
	case unified.TypePermissionResponse:
		approve := msg.MetaString("behavior") == "allow"
		go func() {
			if _, err := s.call(s.writeCtx, "approval.respond", map[string]any{
				"call_id": msg.MetaString(adapter.MetaRequestID),
				"approve": approve,
			}); err != nil {
				slog.Debug("codex approval.respond failed", "sessionId", s.id, "error", err)
			}
		}()
		return nil
	default:
		return nil
	}
}

func (s *session) Interrupt() error {
	return s.Send(unified.New(unified.TypeInterrupt, unified.RoleUser, nil, nil))
}

func (s *session) RespondToPermission(requestID, behavior string, updatedInput map[string]any, message string) error {
	return s.Send(unified.New(unified.TypePermissionResponse, unified.RoleUser, nil, map[string]any{
		adapter.MetaRequestID: requestID,
		"behavior":            behavior,
	}))
}

func (s *session) closeStream() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	close(s.msgs)
	s.mu.Unlock()
	s.writeStop()
}

// Close tears the socket down. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	alreadyClosed := s.closed
	s.mu.Unlock()
	if alreadyClosed {
		return nil
	}
	_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.closeStream()
	return nil
}
