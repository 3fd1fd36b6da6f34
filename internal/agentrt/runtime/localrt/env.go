package localrt

import (
	"fmt"
	"os"
	"strings"

	"github.com/opsloom/agentctl/internal/agentrt/types"
)

// buildEnv assembles the child process environment: the inherited
// environment (minus noisy npm_* variables), overlaid with the agent's
// configured environment map, overlaid last with AGENT_CONTEXT and
// AGENT_SYSTEM_PROMPT so neither can be shadowed by a caller-supplied
// variable of the same name.
func buildEnv(cfg types.AgentConfig) []string {
	base := make(map[string]string, len(os.Environ())+len(cfg.Environment)+2)

	for _, entry := range os.Environ() {
		if eq := strings.IndexByte(entry, '='); eq >= 0 {
			key := entry[:eq]
			if isNpmEnvVar(key) {
				continue
			}
			base[key] = entry[eq+1:]
		}
	}

	for k, v := range cfg.Environment {
		base[k] = v
	}

	if cfg.Context != "" {
		base["AGENT_CONTEXT"] = cfg.Context
	}
	if cfg.SystemPrompt != "" {
		base["AGENT_SYSTEM_PROMPT"] = cfg.SystemPrompt
	}

	merged := make([]string, 0, len(base))
	for k, v := range base {
		merged = append(merged, fmt.Sprintf("%s=%s", k, v))
	}
	return merged
}

func isNpmEnvVar(key string) bool {
	prefixes := []string{
		"npm_config_",
		"npm_package_",
		"npm_lifecycle_",
		"npm_execpath",
		"npm_node_execpath",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}
