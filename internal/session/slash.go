package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/tracing"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
	"github.com/nextlevelbuilder/agentgate/pkg/unified"
)

// SlashContext carries one slash-command dispatch through the chain.
type SlashContext struct {
	Command        string
	RequestID      string // consumer-supplied request_id, echoed back
	SlashRequestID string
	TraceID        string
	StartedAt      time.Time
	Session        *Session
	Runtime        *Runtime
}

// SlashHandler is one link of the chain-of-responsibility.
type SlashHandler interface {
	Handles(ctx *SlashContext) bool
	Execute(ctx *SlashContext)
}

// SlashChain dispatches to the first handler that claims the command.
// The chain order is fixed: local, adapter-native, passthrough, unsupported.
type SlashChain struct {
	handlers []SlashHandler
}

// NewSlashChain builds the standard chain.
func NewSlashChain() *SlashChain {
	return &SlashChain{handlers: []SlashHandler{
		&LocalHandler{},
		&AdapterNativeHandler{},
		&PassthroughHandler{},
		&UnsupportedHandler{},
	}}
}

// Dispatch runs the first matching handler. The terminal UnsupportedHandler
// guarantees a match.
func (c *SlashChain) Dispatch(ctx *SlashContext) {
	for _, h := range c.handlers {
		if h.Handles(ctx) {
			h.Execute(ctx)
			return
		}
	}
}

// localCommands are the gateway-emulated built-ins. Populated in init so
// /help can enumerate the map it lives in.
var localCommands map[string]func(ctx *SlashContext) (string, error)

func init() {
	localCommands = map[string]func(ctx *SlashContext) (string, error){
		"/help": func(ctx *SlashContext) (string, error) {
			names := make([]string, 0, len(localCommands))
			for name := range localCommands {
				names = append(names, name)
			}
			sort.Strings(names)
			return "Available commands: " + strings.Join(names, ", "), nil
		},
		"/status": func(ctx *SlashContext) (string, error) {
			s := ctx.Session
			return fmt.Sprintf("session %s: adapter=%s lifecycle=%s consumers=%d",
				s.ID, s.AdapterName, s.Lifecycle(), s.ConsumerCount()), nil
		},
	}
}

// LocalHandler answers a small built-in set without touching the backend.
type LocalHandler struct{}

func (h *LocalHandler) Handles(ctx *SlashContext) bool {
	_, ok := localCommands[commandWord(ctx.Command)]
	return ok
}

func (h *LocalHandler) Execute(ctx *SlashContext) {
	fn := localCommands[commandWord(ctx.Command)]
	content, err := fn(ctx)
	rt := ctx.Runtime
	if err != nil {
		rt.broadcaster.Broadcast(ctx.Session, &protocol.Outbound{
			Type:      protocol.OutSlashCommandError,
			Command:   ctx.Command,
			RequestID: ctx.RequestID,
			Error:     err.Error(),
		})
		rt.busPub.Publish(bus.Event{Name: bus.EventSlashFailed, SessionID: ctx.Session.ID,
			Payload: map[string]any{"command": ctx.Command, "error": err.Error()}})
		return
	}
	rt.broadcaster.Broadcast(ctx.Session, &protocol.Outbound{
		Type:      protocol.OutSlashCommandResult,
		Command:   ctx.Command,
		RequestID: ctx.RequestID,
		Source:    "emulated",
		Content:   content,
	})
	rt.busPub.Publish(bus.Event{Name: bus.EventSlashExecuted, SessionID: ctx.Session.ID,
		Payload: map[string]any{"command": ctx.Command, "source": "emulated", "traceId": ctx.TraceID}})
}

// AdapterNativeHandler delegates to the adapter's slash executor.
type AdapterNativeHandler struct{}

func (h *AdapterNativeHandler) Handles(ctx *SlashContext) bool {
	exec := ctx.Session.SlashExecutor()
	return exec != nil && exec.Handles(commandWord(ctx.Command))
}

func (h *AdapterNativeHandler) Execute(ctx *SlashContext) {
	rt := ctx.Runtime
	exec := ctx.Session.SlashExecutor()
	execCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content, err := exec.Execute(execCtx, ctx.Session.ID, ctx.Command)
	if err != nil {
		rt.broadcaster.Broadcast(ctx.Session, &protocol.Outbound{
			Type:      protocol.OutSlashCommandError,
			Command:   ctx.Command,
			RequestID: ctx.RequestID,
			Error:     err.Error(),
		})
		rt.busPub.Publish(bus.Event{Name: bus.EventSlashFailed, SessionID: ctx.Session.ID,
			Payload: map[string]any{"command": ctx.Command, "error": err.Error()}})
		return
	}
	rt.broadcaster.Broadcast(ctx.Session, &protocol.Outbound{
		Type:      protocol.OutSlashCommandResult,
		Command:   ctx.Command,
		RequestID: ctx.RequestID,
		Source:    "native",
		Content:   content,
	})
	rt.busPub.Publish(bus.Event{Name: bus.EventSlashExecuted, SessionID: ctx.Session.ID,
		Payload: map[string]any{"command": ctx.Command, "source": "native", "traceId": ctx.TraceID}})
}

// PassthroughHandler forwards the command to the backend as a user message;
// the backend's next result is correlated back as the command's output.
type PassthroughHandler struct{}

func (h *PassthroughHandler) Handles(ctx *SlashContext) bool {
	return ctx.Session.SupportsPassthrough() && ctx.Session.Backend() != nil
}

func (h *PassthroughHandler) Execute(ctx *SlashContext) {
	rt := ctx.Runtime
	ctx.Session.PushPassthrough(passthroughEntry{
		Command:        ctx.Command,
		RequestID:      ctx.RequestID,
		SlashRequestID: ctx.SlashRequestID,
		TraceID:        ctx.TraceID,
	})
	msg := unified.NewText(unified.TypeUserMessage, unified.RoleUser, ctx.Command)
	if err := ctx.Session.Backend().Send(msg); err != nil {
		// Roll the entry back so an unrelated result is not correlated.
		ctx.Session.PopPassthrough()
		rt.broadcaster.Broadcast(ctx.Session, &protocol.Outbound{
			Type:      protocol.OutSlashCommandError,
			Command:   ctx.Command,
			RequestID: ctx.RequestID,
			Error:     err.Error(),
		})
	}
}

// UnsupportedHandler is the terminal link: it always handles and reports
// the command as unsupported.
type UnsupportedHandler struct{}

func (h *UnsupportedHandler) Handles(ctx *SlashContext) bool { return true }

func (h *UnsupportedHandler) Execute(ctx *SlashContext) {
	rt := ctx.Runtime
	rt.broadcaster.Broadcast(ctx.Session, &protocol.Outbound{
		Type:      protocol.OutSlashCommandError,
		Command:   ctx.Command,
		RequestID: ctx.RequestID,
		Error:     fmt.Sprintf("%s is not supported", commandWord(ctx.Command)),
	})
	rt.busPub.Publish(bus.Event{Name: bus.EventSlashFailed, SessionID: ctx.Session.ID,
		Payload: map[string]any{"command": ctx.Command, "error": "unsupported"}})
}

// commandWord strips arguments: "/model sonnet" → "/model".
func commandWord(command string) string {
	if i := strings.IndexByte(command, ' '); i > 0 {
		return command[:i]
	}
	return command
}

// newSlashContext stamps ids onto a dispatch.
func newSlashContext(s *Session, rt *Runtime, command, requestID string) *SlashContext {
	return &SlashContext{
		Command:        command,
		RequestID:      requestID,
		SlashRequestID: tracing.NewTraceID(),
		TraceID:        tracing.NewTraceID(),
		StartedAt:      time.Now(),
		Session:        s,
		Runtime:        rt,
	}
}
