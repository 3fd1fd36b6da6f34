package dockerrt

import (
	"fmt"

	"github.com/opsloom/agentctl/internal/agentrt/types"
)

// buildEnv assembles the container's environment. Unlike the local runner,
// a container starts from a clean image environment rather than the host's,
// so cfg.Environment and the agent's task/context/prompt are the only
// inputs.
func buildEnv(cfg types.AgentConfig) []string {
	env := make([]string, 0, len(cfg.Environment)+3)
	for k, v := range cfg.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if cfg.Task != "" {
		env = append(env, "AGENT_TASK="+cfg.Task)
	}
	if cfg.Context != "" {
		env = append(env, "AGENT_CONTEXT="+cfg.Context)
	}
	if cfg.SystemPrompt != "" {
		env = append(env, "AGENT_SYSTEM_PROMPT="+cfg.SystemPrompt)
	}
	return env
}
