// Package secrets owns the files under <data>/secrets: the OpenAI API key,
// the GitHub deploy key and known-hosts, and visibility into the codex OAuth
// token the container login flow writes. Status payloads always mask stored
// values; raw secrets never appear in logs or state.
package secrets

import (
	"strings"
	"time"
)

// Secret file names inside the vault directory.
const (
	OpenAIEnvFile      = "openai.env"
	GitHubSSHKeyFile   = "github_ssh_key"
	GitHubKnownHosts   = "github_known_hosts"
	openAIEnvKey       = "OPENAI_API_KEY"
	maskPrefixLen      = 6
	maskSuffixLen      = 4
	maskMinLen         = 16
	sshKeyMaxBytes     = 64 * 1024
	knownHostsMaxBytes = 256 * 1024
	openAIKeyMinLen    = 20
	accountModeChatGPT = "chatgpt"
	accountModeAPIKey  = "api_key"
	accountModeUnknown = "unknown"
)

// OpenAIStatus describes the OpenAI provider for the settings payload.
type OpenAIStatus struct {
	Connected        bool       `json:"connected"`
	KeyHint          string     `json:"key_hint,omitempty"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
	AccountConnected bool       `json:"account_connected"`
	AccountAuthMode  string     `json:"account_auth_mode,omitempty"`
	AccountUpdatedAt *time.Time `json:"account_updated_at,omitempty"`
}

// GitHubStatus describes the GitHub provider for the settings payload.
type GitHubStatus struct {
	Connected        bool       `json:"connected"`
	KeyHint          string     `json:"key_hint,omitempty"`
	KnownHostsStored bool       `json:"known_hosts_stored"`
	UpdatedAt        *time.Time `json:"updated_at,omitempty"`
}

// ProvidersStatus is the full auth settings payload.
type ProvidersStatus struct {
	OpenAI OpenAIStatus `json:"openai"`
	GitHub GitHubStatus `json:"github"`
}

// MaskSecret reduces a secret to prefix(6)…suffix(4). Short values are fully
// masked so prefix and suffix cannot overlap.
func MaskSecret(value string) string {
	runes := []rune(strings.TrimSpace(value))
	if len(runes) == 0 {
		return ""
	}
	if len(runes) < maskMinLen {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:maskPrefixLen]) + "…" + string(runes[len(runes)-maskSuffixLen:])
}
