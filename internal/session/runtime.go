package session

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// PolicyCommand is a watchdog's instruction to a runtime.
type PolicyCommand struct {
	Type string // "reconnect_timeout" | "idle_reap" | "capabilities_timeout"
}

// Runtime orchestrates one session: it translates inbound consumer commands
// for the backend, routes backend messages to the broadcaster, and owns the
// queued-message, pending-permission and passthrough state.
type Runtime struct {
	session     *Session
	broadcaster *Broadcaster
	busPub      bus.Publisher
	slash       *SlashChain

	// Observer runs before any mapping of a backend message. Metrics and
	// tracing hang here.
	Observer func(msg *unified.Message)
	// OnInvalidLifecycleTransition is invoked instead of failing when a
	// policy command requests an illegal move.
	OnInvalidLifecycleTransition func(sessionID string, from Lifecycle, to string)

	// ImageMaxEdge bounds inbound image attachments (0 disables scaling).
	ImageMaxEdge int

	mu                sync.Mutex
	firstUserText     string
	lastAssistantText string
}

// NewRuntime wires a runtime to its session.
func NewRuntime(s *Session, b *Broadcaster, p bus.Publisher) *Runtime {
	return &Runtime{
		session:     s,
		broadcaster: b,
		busPub:      p,
		slash:       NewSlashChain(),
	}
}

// Session returns the runtime's session.
func (rt *Runtime) Session() *Session { return rt.session }

// Pump consumes the backend stream until it ends, then reports the
// disconnect. Run it on its own goroutine after attaching a backend.
func (rt *Runtime) Pump(backend adapter.Session) {
	for msg := range backend.Messages() {
		rt.HandleBackendMessage(msg)
	}

	// Transport ended. During an orderly close the lifecycle is already
	// closing/closed and no degradation event is wanted.
	lc := rt.session.Lifecycle()
	if lc == LifecycleClosing || lc == LifecycleClosed {
		return
	}
	rt.session.DetachBackend()
	if err := rt.session.transition(LifecycleDegraded); err != nil {
		slog.Debug("degrade transition skipped", "sessionId", rt.session.ID, "error", err)
	}
	rt.busPub.Publish(bus.Event{Name: bus.EventBackendDisconnected, SessionID: rt.session.ID})
	rt.broadcaster.Broadcast(rt.session, &protocol.Outbound{Type: protocol.OutCLIDisconnected})
}

// --- Inbound (consumer → backend) ---

// HandleInbound dispatches one parsed consumer command.
func (rt *Runtime) HandleInbound(sock Socket, in *protocol.Inbound) {
	s := rt.session
	consumer := s.ConsumerOf(sock)
	if consumer == nil {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("not registered with this session"))
		return
	}

	rt.busPub.Publish(bus.Event{Name: bus.EventMessageInbound, SessionID: s.ID,
		Payload: map[string]any{"type": in.Type}})

	switch in.Type {
	case protocol.InUserMessage:
		if strings.TrimSpace(in.Content) == "" && len(in.Images) == 0 {
			rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("empty message"))
			return
		}
		rt.sendUserMessage(sock, consumer, in.Content, in.Images)

	case protocol.InInterrupt:
		rt.sendInterrupt(sock)

	case protocol.InPermissionResponse:
		rt.resolvePermission(in)

	case protocol.InSetModel:
		rt.sendConfiguration(sock, map[string]any{adapter.MetaModel: in.Model})
		s.SetState("model", in.Model)

	case protocol.InSetPermissionMode:
		rt.sendConfiguration(sock, map[string]any{adapter.MetaPermissionMode: in.Mode})
		s.SetState("permission_mode", in.Mode)

	case protocol.InSlashCommand:
		ctx := newSlashContext(s, rt, in.Command, in.RequestID)
		rt.slash.Dispatch(ctx)

	case protocol.InQueueMessage:
		rt.queueMessage(sock, consumer, in)

	case protocol.InUpdateQueuedMessage:
		if err := s.UpdateQueued(consumer.Identity.UserID, in.Content, in.Images); err != nil {
			rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame(err.Error()))
			return
		}
		rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutQueuedMessageUpdated, Content: in.Content})

	case protocol.InCancelQueuedMessage:
		if err := s.CancelQueued(consumer.Identity.UserID); err != nil {
			rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame(err.Error()))
			return
		}
		rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutQueuedMessageCanceled})

	case protocol.InPresenceQuery:
		rt.broadcaster.BroadcastPresence(s)

	case protocol.InSetAdapter:
		if s.Lifecycle() != LifecycleCreated {
			rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("set_adapter is only allowed before the session is active"))
			return
		}
		s.AdapterName = in.Adapter
		rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutSessionInit, Session: s.StateSnapshot()})

	default:
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("unknown message type "+in.Type))
	}
}

// sendUserMessage echoes the message to consumers, normalizes it, and hands
// it to the backend.
func (rt *Runtime) sendUserMessage(sock Socket, consumer *Consumer, content string, images []protocol.ImageAttachment) {
	s := rt.session

	rt.mu.Lock()
	if rt.firstUserText == "" {
		rt.firstUserText = content
	}
	rt.mu.Unlock()

	// Optimistic: the turn is running the moment the user commits it.
	s.SetLastStatus("running")

	echo := map[string]any{"content": content, "author": consumer.Identity.DisplayName}
	if len(images) > 0 {
		echo["image_count"] = len(images)
	}
	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutUserMessage, Message: echo})

	backend := s.Backend()
	if backend == nil {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("backend not connected"))
		return
	}

	msg := rt.normalizeUserMessage(content, images)
	if err := backend.Send(msg); err != nil {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("send failed: "+err.Error()))
		return
	}
	rt.busPub.Publish(bus.Event{Name: bus.EventMessageOutbound, SessionID: s.ID,
		Payload: map[string]any{"type": string(unified.TypeUserMessage)}})
}

// normalizeUserMessage builds the unified message, downscaling oversized
// image attachments on the way in.
func (rt *Runtime) normalizeUserMessage(content string, images []protocol.ImageAttachment) *unified.Message {
	blocks := []unified.Content{}
	if content != "" {
		blocks = append(blocks, unified.Text(content))
	}
	for _, img := range images {
		normalized := NormalizeImage(img, rt.ImageMaxEdge)
		blocks = append(blocks, unified.Image(normalized.MediaType, normalized.Data))
	}
	return unified.New(unified.TypeUserMessage, unified.RoleUser, blocks, nil)
}

func (rt *Runtime) sendInterrupt(sock Socket) {
	s := rt.session
	backend := s.Backend()
	if backend == nil {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("backend not connected"))
		return
	}
	var err error
	if intr, ok := backend.(adapter.Interruptible); ok {
		err = intr.Interrupt()
	} else {
		err = backend.Send(unified.New(unified.TypeInterrupt, unified.RoleUser, nil, nil))
	}
	if err != nil {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("interrupt failed: "+err.Error()))
		return
	}
	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutInterrupt})
}

func (rt *Runtime) sendConfiguration(sock Socket, meta map[string]any) {
	s := rt.session
	backend := s.Backend()
	if backend == nil {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("backend not connected"))
		return
	}
	if err := backend.Send(unified.New(unified.TypeConfigurationChange, unified.RoleUser, nil, meta)); err != nil {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("configuration change failed: "+err.Error()))
	}
}

// resolvePermission answers a pending prompt. The waiter goroutine armed in
// handlePermissionRequest forwards the decision to the backend.
func (rt *Runtime) resolvePermission(in *protocol.Inbound) {
	d := Decision{
		Behavior:     in.Behavior,
		UpdatedInput: in.UpdatedInput,
		Message:      in.Message,
	}
	if rt.session.Permissions.Resolve(in.RequestID, d) {
		rt.busPub.Publish(bus.Event{Name: bus.EventPermissionResolved, SessionID: rt.session.ID,
			Payload: map[string]any{"requestId": in.RequestID, "behavior": in.Behavior}})
	}
}

// queueMessage parks a message while the backend is busy, or sends it
// immediately when it is not.
func (rt *Runtime) queueMessage(sock Socket, consumer *Consumer, in *protocol.Inbound) {
	s := rt.session
	status := s.LastStatus()
	if status != "running" && status != "compacting" {
		// Not busy: behaves exactly like user_message, no message_queued.
		rt.sendUserMessage(sock, consumer, in.Content, in.Images)
		return
	}
	q := &QueuedMessage{
		Content:  in.Content,
		Images:   in.Images,
		AuthorID: consumer.Identity.UserID,
		QueuedAt: time.Now(),
	}
	if !s.SetQueued(q) {
		rt.broadcaster.SendTo(s, sock, protocol.ErrorFrame("a message is already queued"))
		return
	}
	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutMessageQueued, Content: in.Content})
}

// flushQueued sends the parked message once the backend goes idle.
func (rt *Runtime) flushQueued() {
	s := rt.session
	q := s.TakeQueued()
	if q == nil {
		return
	}
	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutQueuedMessageSent, Content: q.Content})

	backend := s.Backend()
	if backend == nil {
		slog.Warn("queued message dropped, backend gone", "sessionId", s.ID)
		return
	}
	s.SetLastStatus("running")
	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutUserMessage,
		Message: map[string]any{"content": q.Content}})
	if err := backend.Send(rt.normalizeUserMessage(q.Content, q.Images)); err != nil {
		slog.Warn("queued message send failed", "sessionId", s.ID, "error", err)
	}
}

// --- Backend (agent → consumer) ---

// HandleBackendMessage maps and routes one backend message.
func (rt *Runtime) HandleBackendMessage(msg *unified.Message) {
	if msg == nil {
		return
	}
	if rt.Observer != nil {
		rt.Observer(msg)
	}
	s := rt.session
	rt.busPub.Publish(bus.Event{Name: bus.EventBackendMessage, SessionID: s.ID,
		Payload: map[string]any{"type": string(msg.Type)}})

	switch msg.Type {
	case unified.TypeSessionInit:
		rt.handleSessionInit(msg)

	case unified.TypeStatusChange:
		rt.handleStatusChange(msg)

	case unified.TypeAssistant:
		rt.mu.Lock()
		rt.lastAssistantText = msg.FirstText()
		rt.mu.Unlock()
		rt.broadcaster.Broadcast(s, &protocol.Outbound{
			Type:            protocol.OutAssistant,
			Message:         map[string]any{"role": "assistant", "content": msg.Content, "metadata": msg.Metadata},
			ParentToolUseID: msg.ParentID,
		})

	case unified.TypeResult:
		rt.handleResult(msg)

	case unified.TypeStreamEvent:
		rt.broadcaster.Broadcast(s, &protocol.Outbound{
			Type:            protocol.OutStreamEvent,
			Event:           msg.Metadata,
			ParentToolUseID: msg.ParentID,
		})

	case unified.TypePermissionRequest:
		rt.handlePermissionRequest(msg)

	case unified.TypeControlResponse:
		rt.broadcaster.Broadcast(s, &protocol.Outbound{
			Type:      protocol.OutControlResponse,
			RequestID: msg.MetaString(adapter.MetaRequestID),
			Behavior:  msg.MetaString("behavior"),
		})

	case unified.TypeToolProgress:
		rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutToolProgress, Detail: msg.Metadata})

	case unified.TypeToolUseSummary:
		rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutToolUseSummary, Detail: msg.Metadata})

	case unified.TypeAuthStatus:
		rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutAuthStatus, Detail: msg.Metadata})
		rt.busPub.Publish(bus.Event{Name: bus.EventAuthStatus, SessionID: s.ID, Payload: msg.Metadata})

	case unified.TypeConfigurationChange:
		rt.handleCapabilityUpdate(msg)

	case unified.TypeUnknown:
		slog.Debug("ignoring unknown backend message", "sessionId", s.ID,
			"raw", msg.MetaString(adapter.MetaRawEvent))

	default:
		slog.Debug("unrouted backend message", "sessionId", s.ID, "type", msg.Type)
	}
}

// handleSessionInit records the backend session id and capability snapshot.
func (rt *Runtime) handleSessionInit(msg *unified.Message) {
	s := rt.session
	if backendID := msg.MetaString(adapter.MetaBackendSessionID); backendID != "" {
		s.SetBackendSessionID(backendID)
		rt.busPub.Publish(bus.Event{Name: bus.EventBackendSessionID, SessionID: s.ID,
			Payload: map[string]any{"backendSessionId": backendID}})
	}
	if model := msg.MetaString(adapter.MetaModel); model != "" {
		s.SetState("model", model)
	}
	if cmds, ok := msg.Metadata[adapter.MetaSlashCommands]; ok {
		s.SetState("slash_commands", cmds)
	}
	rt.busPub.Publish(bus.Event{Name: bus.EventCapabilitiesReady, SessionID: s.ID})
	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutSessionInit, Session: s.StateSnapshot()})
}

// handleStatusChange updates lastStatus, drives active↔idle and flushes the
// queue on idle.
func (rt *Runtime) handleStatusChange(msg *unified.Message) {
	s := rt.session
	status := msg.MetaString(adapter.MetaStatus)
	s.SetLastStatus(status)

	var target Lifecycle
	if status == "idle" {
		target = LifecycleIdle
	} else {
		target = LifecycleActive
	}
	if lc := s.Lifecycle(); lc == LifecycleActive || lc == LifecycleIdle {
		if err := s.transition(target); err != nil {
			slog.Debug("status transition skipped", "sessionId", s.ID, "error", err)
		}
	}

	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutStatusChange, Status: status})

	if status == "idle" {
		rt.flushQueued()
	}
}

// handleResult correlates passthroughs, then surfaces the result, then runs
// the first-turn side effects.
func (rt *Runtime) handleResult(msg *unified.Message) {
	s := rt.session
	isError, _ := msg.Metadata[adapter.MetaIsError].(bool)

	if entry, ok := s.PopPassthrough(); ok {
		rt.mu.Lock()
		content := rt.lastAssistantText
		rt.mu.Unlock()
		rt.broadcaster.Broadcast(s, &protocol.Outbound{
			Type:      protocol.OutSlashCommandResult,
			Command:   entry.Command,
			RequestID: entry.RequestID,
			Source:    "passthrough",
			Content:   content,
		})
		rt.busPub.Publish(bus.Event{Name: bus.EventSlashExecuted, SessionID: s.ID,
			Payload: map[string]any{"command": entry.Command, "source": "passthrough", "traceId": entry.TraceID}})
		return
	}

	rt.broadcaster.Broadcast(s, &protocol.Outbound{Type: protocol.OutResult, Data: msg.Metadata})

	if !isError && s.MarkNamed() {
		rt.mu.Lock()
		name := firstLine(rt.firstUserText, 80)
		rt.mu.Unlock()
		if name != "" {
			s.SetState("name", name)
		}
		rt.busPub.Publish(bus.Event{Name: bus.EventSessionFirstTurn, SessionID: s.ID,
			Payload: map[string]any{"name": name}})
	}

	// A result with a parked message means the turn ended; flush even if no
	// explicit idle status follows.
	if s.Queued() != nil {
		rt.flushQueued()
	}
}

// handlePermissionRequest registers the prompt and arms the waiter that
// eventually answers the backend (consumer decision, timeout, or close).
func (rt *Runtime) handlePermissionRequest(msg *unified.Message) {
	s := rt.session
	requestID := msg.MetaString(adapter.MetaRequestID)
	input, _ := msg.Metadata["input"].(map[string]any)
	record, decisionCh := s.Permissions.Register(
		requestID,
		msg.MetaString(adapter.MetaToolName),
		input,
		msg.MetaString(adapter.MetaToolUseID),
	)
	if sugg, ok := msg.Metadata[adapter.MetaSuggestions]; ok {
		record.Suggestions = sugg
	}

	rt.busPub.Publish(bus.Event{Name: bus.EventPermissionRequested, SessionID: s.ID,
		Payload: map[string]any{"requestId": record.RequestID, "tool": record.ToolName}})
	rt.broadcaster.Broadcast(s, &protocol.Outbound{
		Type:      protocol.OutPermissionRequest,
		Request:   record,
		RequestID: record.RequestID,
	})

	go func() {
		d := <-decisionCh
		backend := s.Backend()
		if backend == nil {
			return
		}
		if pr, ok := backend.(adapter.PermissionResponder); ok {
			if err := pr.RespondToPermission(record.RequestID, d.Behavior, d.UpdatedInput, d.Message); err != nil {
				slog.Warn("permission response delivery failed", "sessionId", s.ID,
					"requestId", record.RequestID, "error", err)
			}
		}
		rt.broadcaster.Broadcast(s, &protocol.Outbound{
			Type:      protocol.OutControlResponse,
			RequestID: record.RequestID,
			Behavior:  d.Behavior,
		})
	}()
}

// handleCapabilityUpdate folds backend-driven configuration into state.
func (rt *Runtime) handleCapabilityUpdate(msg *unified.Message) {
	s := rt.session
	if cmds, ok := msg.Metadata[adapter.MetaSlashCommands]; ok {
		s.SetState("slash_commands", cmds)
	}
	if mode := msg.MetaString(adapter.MetaPermissionMode); mode != "" {
		s.SetState("permission_mode", mode)
	}
	if model := msg.MetaString(adapter.MetaModel); model != "" {
		s.SetState("model", model)
	}
}

// --- Policy ---

// ApplyPolicyCommand executes a watchdog instruction. Illegal transitions
// invoke the hook instead of erroring.
func (rt *Runtime) ApplyPolicyCommand(cmd PolicyCommand) {
	s := rt.session
	switch cmd.Type {
	case "reconnect_timeout":
		rt.applyTransition(LifecycleDegraded, cmd.Type)
	case "idle_reap":
		rt.applyTransition(LifecycleClosing, cmd.Type)
	case "capabilities_timeout":
		rt.broadcaster.Broadcast(s, &protocol.Outbound{
			Type:    protocol.OutWarning,
			Message: "backend capabilities not reported in time",
		})
		rt.busPub.Publish(bus.Event{Name: bus.EventCapabilitiesTimeout, SessionID: s.ID})
	default:
		slog.Warn("unknown policy command", "sessionId", s.ID, "command", cmd.Type)
	}
}

func (rt *Runtime) applyTransition(to Lifecycle, source string) {
	s := rt.session
	from := s.Lifecycle()
	if err := s.transition(to); err != nil {
		if rt.OnInvalidLifecycleTransition != nil {
			rt.OnInvalidLifecycleTransition(s.ID, from, source)
		} else {
			slog.Debug("policy transition rejected", "sessionId", s.ID, "from", from, "to", to)
		}
	}
}

// firstLine truncates s to its first line, capped at max runes.
func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > max {
		return string(runes[:max])
	}
	return s
}
