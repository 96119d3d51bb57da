// Package agentsdk implements the in-process adapter family. No subprocess:
// the embedding application supplies a Query factory whose message channel
// plays the role of the SDK's async iterator. Permission prompts arrive as
// a synchronous callback the adapter bridges to the runtime's asynchronous
// permission_response flow through a waiter table.
package agentsdk

import (
	"context"

	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/gateerr"
)

// Decision is the answer the SDK's permission callback receives.
type Decision struct {
	Behavior     string         `json:"behavior"` // "allow" | "deny"
	UpdatedInput map[string]any `json:"updatedInput,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// CanUseToolFunc is invoked by the SDK before each tool use and blocks until
// a decision is available.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any) Decision

// QueryOptions parameterize one SDK query.
type QueryOptions struct {
	Cwd        string
	Model      string
	Resume     string
	CanUseTool CanUseToolFunc
}

// Query is one live SDK conversation. Messages carries the SDK's raw wire
// maps; the adapter translates them.
type Query interface {
	Messages() <-chan map[string]any
	Push(prompt string) error
	Interrupt() error
	Close() error
}

// QueryFactory opens a Query. The embedder supplies it at construction.
type QueryFactory func(ctx context.Context, opts QueryOptions) (Query, error)

// Adapter is the in-process family.
type Adapter struct {
	factory QueryFactory
}

// New builds the family around the embedder's query factory.
func New(factory QueryFactory) *Adapter {
	return &Adapter{factory: factory}
}

func (a *Adapter) Name() string { return "agentsdk" }

func (a *Adapter) Capabilities() adapter.Capabilities {
	return adapter.Capabilities{
		Streaming:    true,
		Permissions:  true,
		Availability: adapter.AvailabilityLocal,
	}
}

// Connect starts an SDK query wired to a new session.
func (a *Adapter) Connect(ctx context.Context, opts adapter.ConnectOptions) (adapter.Session, error) {
	if a.factory == nil {
		return nil, gateerr.Connection("agentsdk adapter has no query factory", nil)
	}
	s := newSession(opts)
	q, err := a.factory(context.Background(), QueryOptions{
		Cwd:        opts.Cwd,
		Model:      opts.Model,
		Resume:     opts.Resume,
		CanUseTool: s.canUseTool,
	})
	if err != nil {
		return nil, gateerr.Connection("start sdk query", err)
	}
	s.query = q
	go s.pump()
	s.emitInit(opts)
	return s, nil
}
