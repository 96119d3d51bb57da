package coordinator

import (
	"github.com/nextlevelbuilder/agentgate/internal/adapter"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/acp"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/agentsdk"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/codex"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/mock"
	"github.com/nextlevelbuilder/agentgate/internal/adapter/opencode"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/supervisor"
)

// BuildResolver registers every adapter family from config. The agentsdk
// family needs an in-process query factory; pass nil to leave it out.
// withMock adds the echo backend, used by tests and demo setups.
func BuildResolver(cfg *config.Config, sup *supervisor.Supervisor, sdkFactory agentsdk.QueryFactory, withMock bool) *adapter.Resolver {
	r := adapter.NewResolver()

	r.Register("acp", func() (adapter.Adapter, error) {
		return acp.New(cfg.Adapters.List["acp"], sup), nil
	})
	r.Register("codex", func() (adapter.Adapter, error) {
		return codex.New(cfg.Adapters.List["codex"], sup), nil
	})
	r.Register("opencode", func() (adapter.Adapter, error) {
		return opencode.New(cfg.Adapters.List["opencode"], sup), nil
	})
	if sdkFactory != nil {
		r.Register("agentsdk", func() (adapter.Adapter, error) {
			return agentsdk.New(sdkFactory), nil
		})
	}
	if withMock {
		r.Register("mock", func() (adapter.Adapter, error) {
			return mock.New(), nil
		})
	}
	return r
}
