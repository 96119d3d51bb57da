package session

import (
	"log/slog"

	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// Broadcaster fans frames out to a session's sockets. Every frame is
// stamped with the session's next sequence number before encoding, so each
// consumer observes the same gapless total order.
type Broadcaster struct{}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster() *Broadcaster { return &Broadcaster{} }

// Broadcast stamps, encodes and sends frame to every socket, then retains
// it in the history ring. A failing socket never affects the others.
func (b *Broadcaster) Broadcast(s *Session, frame *protocol.Outbound) {
	s.mu.Lock()
	frame.Seq = s.seq + 1
	s.seq++
	sockets := make([]Socket, 0, len(s.consumers))
	for sock := range s.consumers {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()

	data, err := frame.Encode()
	if err != nil {
		slog.Error("broadcast encode failed", "sessionId", s.ID, "type", frame.Type, "error", err)
		return
	}
	s.History.Append(data)

	for _, sock := range sockets {
		if err := sock.Send(data); err != nil {
			slog.Debug("broadcast to one socket failed", "sessionId", s.ID, "error", err)
		}
	}
}

// SendTo stamps and sends frame to a single socket. Used for identity,
// snapshots, replay, and per-consumer errors; not retained in history.
func (b *Broadcaster) SendTo(s *Session, sock Socket, frame *protocol.Outbound) {
	s.mu.Lock()
	frame.Seq = s.seq + 1
	s.seq++
	s.mu.Unlock()

	data, err := frame.Encode()
	if err != nil {
		slog.Error("sendTo encode failed", "sessionId", s.ID, "type", frame.Type, "error", err)
		return
	}
	if err := sock.Send(data); err != nil {
		slog.Debug("sendTo failed", "sessionId", s.ID, "error", err)
	}
}

// BroadcastPresence emits a presence snapshot to every socket.
func (b *Broadcaster) BroadcastPresence(s *Session) {
	s.mu.Lock()
	entries := make([]protocol.PresenceEntry, 0, len(s.consumers))
	for _, c := range s.consumers {
		entries = append(entries, protocol.PresenceEntry{
			DisplayName: c.Identity.DisplayName,
			Role:        c.Identity.Role,
		})
	}
	s.mu.Unlock()

	b.Broadcast(s, &protocol.Outbound{Type: protocol.OutPresenceUpdate, Presence: entries})
}
