// Package runtime composes the concrete Runner implementations (localrt,
// dockerrt) behind the registry.RunnerFactory dispatch: AgentConfig's
// ModelBackend prefix picks the kind, keeping the registry itself ignorant
// of either backend.
package runtime

import (
	"github.com/opsloom/agentctl/internal/agentrt/handle"
	"github.com/opsloom/agentctl/internal/agentrt/runtime/dockerrt"
	"github.com/opsloom/agentctl/internal/agentrt/runtime/localrt"
	"github.com/opsloom/agentctl/internal/agentrt/types"
	"github.com/opsloom/agentctl/internal/platform/config"
	"github.com/opsloom/agentctl/internal/platform/logger"
)

// NewFactory returns a registry.RunnerFactory that builds a dockerrt.Runner
// when AgentConfig.ModelBackend carries the "docker:" prefix and a
// localrt.Runner otherwise.
func NewFactory(cfg config.DockerConfig, log *logger.Logger) func(types.AgentConfig) handle.Runner {
	return func(agentCfg types.AgentConfig) handle.Runner {
		if dockerrt.HasPrefix(agentCfg.ModelBackend) {
			return dockerrt.New(cfg, log)
		}
		return localrt.New()
	}
}
