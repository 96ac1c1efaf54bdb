package state

import "time"

// RecordPrompt appends a submitted prompt to the chat's bounded history and
// archives the current artifact group under the previous prompt. Consecutive
// duplicates collapse into one entry.
func (c *Chat) RecordPrompt(prompt string, now time.Time) {
	if prompt == "" {
		return
	}

	if len(c.CurrentArtifactIDs) > 0 {
		previous := ""
		if n := len(c.TitlePromptHistory); n > 0 {
			previous = c.TitlePromptHistory[n-1]
		}
		c.ArtifactHistory = append(c.ArtifactHistory, ArtifactGroup{
			Prompt:      previous,
			ArtifactIDs: append([]string(nil), c.CurrentArtifactIDs...),
			ArchivedAt:  now,
		})
		c.ArtifactHistory = clampTail(c.ArtifactHistory, ArtifactGroupsCap)
		c.CurrentArtifactIDs = []string{}
	}

	if n := len(c.TitlePromptHistory); n > 0 && c.TitlePromptHistory[n-1] == prompt {
		return
	}
	c.TitlePromptHistory = append(c.TitlePromptHistory, prompt)
	c.TitlePromptHistory = clampTail(c.TitlePromptHistory, PromptHistoryCap)
}
