package state

import (
	"github.com/agenthub/agenthub/internal/common/stringutil"
)

// Normalize repairs a freshly loaded document in place. It coerces missing
// collections, clamps bounded lists, resets states that cannot survive a
// process restart, and discards cached titles that look like terminal control
// traffic.
func Normalize(doc *Document) {
	doc.Version = SchemaVersion
	if doc.Projects == nil {
		doc.Projects = []*Project{}
	}
	if doc.Chats == nil {
		doc.Chats = []*Chat{}
	}

	for _, p := range doc.Projects {
		normalizeProject(p)
	}
	for _, c := range doc.Chats {
		normalizeChat(c)
	}
}

func normalizeProject(p *Project) {
	if p.DefaultROMounts == nil {
		p.DefaultROMounts = []Mount{}
	}
	if p.DefaultRWMounts == nil {
		p.DefaultRWMounts = []Mount{}
	}
	if p.DefaultEnvVars == nil {
		p.DefaultEnvVars = []EnvVar{}
	}
	if p.BaseImage.Mode == "" {
		p.BaseImage.Mode = BaseImageTag
	}

	switch p.BuildStatus {
	case BuildPending, BuildReady, BuildFailed:
	case BuildBuilding:
		// A build in flight did not survive the previous process.
		p.BuildStatus = BuildPending
	default:
		p.BuildStatus = BuildPending
	}
	if p.BuildStatus == BuildReady && p.SetupSnapshotImage == "" {
		p.BuildStatus = BuildPending
	}
}

func normalizeChat(c *Chat) {
	if c.Name == "" {
		c.Name = DefaultChatName(c.ID)
	}
	if !ValidAgentTypes[c.AgentType] {
		c.AgentType = AgentCodex
	}
	if c.ROMounts == nil {
		c.ROMounts = []Mount{}
	}
	if c.RWMounts == nil {
		c.RWMounts = []Mount{}
	}
	if c.EnvVars == nil {
		c.EnvVars = []EnvVar{}
	}
	if c.AgentArgs == nil {
		c.AgentArgs = []string{}
	}
	if c.TitlePromptHistory == nil {
		c.TitlePromptHistory = []string{}
	}
	if c.Artifacts == nil {
		c.Artifacts = []Artifact{}
	}
	if c.CurrentArtifactIDs == nil {
		c.CurrentArtifactIDs = []string{}
	}
	if c.ArtifactHistory == nil {
		c.ArtifactHistory = []ArtifactGroup{}
	}

	switch c.Status {
	case ChatStopped, ChatFailed:
	case ChatRunning, ChatStarting:
		// The child process belonged to the previous hub process.
		c.Status = ChatStopped
		c.PID = 0
		c.PublishTokenHash = ""
		c.PublishTokenIssuedAt = nil
	default:
		c.Status = ChatStopped
	}

	// Reserved env keys never persist; drop any that slipped into old files.
	kept := c.EnvVars[:0]
	for _, ev := range c.EnvVars {
		if ev.Key == "" || ReservedEnvKeys[ev.Key] {
			continue
		}
		kept = append(kept, ev)
	}
	c.EnvVars = kept

	// Prompt history: stale control traffic out, then clamp to the cap.
	prompts := c.TitlePromptHistory[:0]
	for _, p := range c.TitlePromptHistory {
		if p == "" || stringutil.LooksLikeTerminalControl(p) {
			continue
		}
		prompts = append(prompts, p)
	}
	c.TitlePromptHistory = clampTail(prompts, PromptHistoryCap)

	if c.TitleCached != "" && stringutil.LooksLikeTerminalControl(c.TitleCached) {
		c.TitleCached = ""
		c.TitlePromptFingerprint = ""
		c.TitleStatus = TitleIdle
		c.TitleSource = ""
		c.TitleUpdatedAt = nil
	}

	c.Artifacts = clampTail(c.Artifacts, ArtifactsCap)
	c.CurrentArtifactIDs = clampTail(c.CurrentArtifactIDs, ArtifactsCap)
	c.ArtifactHistory = clampTail(c.ArtifactHistory, ArtifactGroupsCap)
}

// clampTail keeps the newest max entries of a list (newest last).
func clampTail[T any](list []T, max int) []T {
	if len(list) <= max {
		return list
	}
	return append(list[:0], list[len(list)-max:]...)
}
