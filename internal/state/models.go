// Package state owns the hub's persistent document: one JSON file holding
// every project and chat, replaced atomically on each mutation. All other
// components read and mutate state exclusively through the Store.
package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is the current document schema version.
const SchemaVersion = 1

// Bounded list caps.
const (
	PromptHistoryCap  = 64
	ArtifactsCap      = 200
	ArtifactGroupsCap = 64
)

// BuildStatus is a project's snapshot build state.
type BuildStatus string

const (
	BuildPending  BuildStatus = "pending"
	BuildBuilding BuildStatus = "building"
	BuildReady    BuildStatus = "ready"
	BuildFailed   BuildStatus = "failed"
)

// ChatStatus is a chat's process supervision state.
type ChatStatus string

const (
	ChatStopped  ChatStatus = "stopped"
	ChatStarting ChatStatus = "starting"
	ChatRunning  ChatStatus = "running"
	ChatFailed   ChatStatus = "failed"
)

// AgentType selects which agent CLI a chat runs.
type AgentType string

const (
	AgentCodex  AgentType = "codex"
	AgentClaude AgentType = "claude"
	AgentGemini AgentType = "gemini"
	AgentNone   AgentType = "none"
)

// ValidAgentTypes enumerates accepted agent types.
var ValidAgentTypes = map[AgentType]bool{
	AgentCodex:  true,
	AgentClaude: true,
	AgentGemini: true,
	AgentNone:   true,
}

// BaseImageMode selects how a project's base image reference is resolved.
type BaseImageMode string

const (
	BaseImageTag      BaseImageMode = "tag"
	BaseImageRepoPath BaseImageMode = "repo_path"
)

// TitleStatus is the chat title pipeline state.
type TitleStatus string

const (
	TitleIdle    TitleStatus = ""
	TitlePending TitleStatus = "pending"
	TitleReady   TitleStatus = "ready"
	TitleError   TitleStatus = "error"
)

// CredentialMode selects which catalog credentials a chat start resolves.
type CredentialMode string

const (
	CredentialAuto   CredentialMode = "auto"
	CredentialAll    CredentialMode = "all"
	CredentialSet    CredentialMode = "set"
	CredentialSingle CredentialMode = "single"
)

// ReservedEnvKeys may never appear in stored or launched env lists; the hub
// injects them itself.
var ReservedEnvKeys = map[string]bool{
	"OPENAI_API_KEY": true,
}

// Mount binds a host path into a chat container.
type Mount struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// EnvVar is one environment entry passed to a chat container.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BaseImage is a project's base image reference: either a registry tag or a
// path to a file inside the clone.
type BaseImage struct {
	Mode  BaseImageMode `json:"mode"`
	Value string        `json:"value"`
}

// UnmarshalJSON accepts both the current {mode,value} object and the legacy
// plain-string form, which is upgraded to tag mode.
func (b *BaseImage) UnmarshalJSON(data []byte) error {
	var legacy string
	if err := json.Unmarshal(data, &legacy); err == nil {
		b.Mode = BaseImageTag
		b.Value = legacy
		return nil
	}
	type baseImage BaseImage
	var current baseImage
	if err := json.Unmarshal(data, &current); err != nil {
		return fmt.Errorf("invalid base_image: %w", err)
	}
	*b = BaseImage(current)
	return nil
}

// CredentialBinding selects credentials for chats of a project.
type CredentialBinding struct {
	Mode          CredentialMode `json:"mode"`
	CredentialIDs []string       `json:"credential_ids"`
}

// Project is a git repository plus a reproducible setup recipe; parent of
// many chats.
type Project struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	RepoURL       string    `json:"repo_url"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	SetupScript   string    `json:"setup_script"`
	BaseImage     BaseImage `json:"base_image"`

	DefaultROMounts []Mount  `json:"default_ro_mounts"`
	DefaultRWMounts []Mount  `json:"default_rw_mounts"`
	DefaultEnvVars  []EnvVar `json:"default_env_vars"`

	Credentials *CredentialBinding `json:"credentials,omitempty"`

	SetupSnapshotImage string      `json:"setup_snapshot_image"`
	BuildStatus        BuildStatus `json:"build_status"`
	BuildError         string      `json:"build_error,omitempty"`
	BuildStartedAt     *time.Time  `json:"build_started_at,omitempty"`
	BuildFinishedAt    *time.Time  `json:"build_finished_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadyAck records the container bootstrap confirmation.
type ReadyAck struct {
	Guid  string         `json:"guid"`
	Stage string         `json:"stage,omitempty"`
	At    *time.Time     `json:"at,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// Artifact is one file published by the in-container agent, stored relative
// to the chat workspace.
type Artifact struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// ArtifactGroup snapshots the artifacts current at the moment a prompt was
// submitted.
type ArtifactGroup struct {
	Prompt      string    `json:"prompt"`
	ArtifactIDs []string  `json:"artifact_ids"`
	ArchivedAt  time.Time `json:"archived_at"`
}

// Chat is one interactive agent session in its own cloned workspace.
type Chat struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	AgentType AgentType `json:"agent_type"`

	SnapshotImage string   `json:"snapshot_image,omitempty"`
	Workspace     string   `json:"workspace,omitempty"`
	ROMounts      []Mount  `json:"ro_mounts"`
	RWMounts      []Mount  `json:"rw_mounts"`
	EnvVars       []EnvVar `json:"env_vars"`
	AgentArgs     []string `json:"agent_args"`

	Status ChatStatus `json:"status"`
	PID    int        `json:"pid,omitempty"`

	PublishTokenHash     string     `json:"publish_token_hash,omitempty"`
	PublishTokenIssuedAt *time.Time `json:"publish_token_issued_at,omitempty"`

	ReadyAck *ReadyAck `json:"ready_ack,omitempty"`

	TitleCached            string      `json:"title_cached,omitempty"`
	TitlePromptFingerprint string      `json:"title_prompt_fingerprint,omitempty"`
	TitleStatus            TitleStatus `json:"title_status,omitempty"`
	TitleError             string      `json:"title_error,omitempty"`
	TitleSource            string      `json:"title_source,omitempty"`
	TitleUpdatedAt         *time.Time  `json:"title_updated_at,omitempty"`
	TitlePromptHistory     []string    `json:"title_prompt_history"`

	Artifacts          []Artifact      `json:"artifacts"`
	CurrentArtifactIDs []string        `json:"current_artifact_ids"`
	ArtifactHistory    []ArtifactGroup `json:"artifact_history"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Document is the root of the persistent state file.
type Document struct {
	Version  int        `json:"version"`
	Projects []*Project `json:"projects"`
	Chats    []*Chat    `json:"chats"`
}

// NewDocument returns an empty document at the current schema version.
func NewDocument() *Document {
	return &Document{
		Version:  SchemaVersion,
		Projects: []*Project{},
		Chats:    []*Chat{},
	}
}

// Project returns the project with the given id, or nil.
func (d *Document) Project(id string) *Project {
	for _, p := range d.Projects {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// Chat returns the chat with the given id, or nil.
func (d *Document) Chat(id string) *Chat {
	for _, c := range d.Chats {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// ChatsForProject returns all chats belonging to a project.
func (d *Document) ChatsForProject(projectID string) []*Chat {
	var out []*Chat
	for _, c := range d.Chats {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out
}

// RemoveProject deletes the project with the given id. Returns false when the
// id was absent.
func (d *Document) RemoveProject(id string) bool {
	for i, p := range d.Projects {
		if p.ID == id {
			d.Projects = append(d.Projects[:i], d.Projects[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveChat deletes the chat with the given id. Returns false when the id
// was absent.
func (d *Document) RemoveChat(id string) bool {
	for i, c := range d.Chats {
		if c.ID == id {
			d.Chats = append(d.Chats[:i], d.Chats[i+1:]...)
			return true
		}
	}
	return false
}

// DefaultChatName derives the display name for a fresh chat.
func DefaultChatName(chatID string) string {
	return "chat-" + ShortID(chatID)
}

// ShortID returns the first 8 characters of an id.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// Clone returns a deep copy of the project.
func (p *Project) Clone() *Project {
	if p == nil {
		return nil
	}
	out := *p
	out.DefaultROMounts = append([]Mount(nil), p.DefaultROMounts...)
	out.DefaultRWMounts = append([]Mount(nil), p.DefaultRWMounts...)
	out.DefaultEnvVars = append([]EnvVar(nil), p.DefaultEnvVars...)
	if p.Credentials != nil {
		cb := *p.Credentials
		cb.CredentialIDs = append([]string(nil), p.Credentials.CredentialIDs...)
		out.Credentials = &cb
	}
	out.BuildStartedAt = cloneTime(p.BuildStartedAt)
	out.BuildFinishedAt = cloneTime(p.BuildFinishedAt)
	return &out
}

// Clone returns a deep copy of the chat.
func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	out := *c
	out.ROMounts = append([]Mount(nil), c.ROMounts...)
	out.RWMounts = append([]Mount(nil), c.RWMounts...)
	out.EnvVars = append([]EnvVar(nil), c.EnvVars...)
	out.AgentArgs = append([]string(nil), c.AgentArgs...)
	out.TitlePromptHistory = append([]string(nil), c.TitlePromptHistory...)
	out.Artifacts = append([]Artifact(nil), c.Artifacts...)
	out.CurrentArtifactIDs = append([]string(nil), c.CurrentArtifactIDs...)
	out.ArtifactHistory = make([]ArtifactGroup, len(c.ArtifactHistory))
	for i, g := range c.ArtifactHistory {
		g.ArtifactIDs = append([]string(nil), g.ArtifactIDs...)
		out.ArtifactHistory[i] = g
	}
	if c.ReadyAck != nil {
		ack := *c.ReadyAck
		if c.ReadyAck.Meta != nil {
			ack.Meta = make(map[string]any, len(c.ReadyAck.Meta))
			for k, v := range c.ReadyAck.Meta {
				ack.Meta[k] = v
			}
		}
		out.ReadyAck = &ack
	}
	out.PublishTokenIssuedAt = cloneTime(c.PublishTokenIssuedAt)
	out.TitleUpdatedAt = cloneTime(c.TitleUpdatedAt)
	out.StartedAt = cloneTime(c.StartedAt)
	return &out
}

// Clone returns a deep copy of the whole document.
func (d *Document) Clone() *Document {
	out := &Document{
		Version:  d.Version,
		Projects: make([]*Project, len(d.Projects)),
		Chats:    make([]*Chat, len(d.Chats)),
	}
	for i, p := range d.Projects {
		out.Projects[i] = p.Clone()
	}
	for i, c := range d.Chats {
		out.Chats[i] = c.Clone()
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
