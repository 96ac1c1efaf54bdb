package state

import (
	"fmt"
	"strings"

	"github.com/agenthub/agenthub/internal/common/apperr"
)

// ValidateAgentType rejects agent types outside the catalog. Empty is
// allowed; callers default it to codex.
func ValidateAgentType(t AgentType) error {
	if t == "" || ValidAgentTypes[t] {
		return nil
	}
	return apperr.InvalidRequest(fmt.Sprintf("unknown agent type %q", t))
}

// ValidateMounts checks that every mount names a source and an absolute
// container target.
func ValidateMounts(mounts []Mount) error {
	for _, m := range mounts {
		if strings.TrimSpace(m.Source) == "" {
			return apperr.InvalidRequest("mount source must not be empty")
		}
		if !strings.HasPrefix(m.Target, "/") {
			return apperr.InvalidRequest(fmt.Sprintf("mount target %q must be an absolute path", m.Target))
		}
	}
	return nil
}

// ValidateEnvVars checks env entries for empty and reserved keys. Reserved
// keys are rejected rather than silently dropped so callers learn about the
// restriction.
func ValidateEnvVars(envs []EnvVar) error {
	for _, e := range envs {
		if strings.TrimSpace(e.Key) == "" {
			return apperr.InvalidRequest("env key must not be empty")
		}
		if ReservedEnvKeys[e.Key] {
			return apperr.InvalidRequest(fmt.Sprintf("env key %s is reserved", e.Key))
		}
	}
	return nil
}
