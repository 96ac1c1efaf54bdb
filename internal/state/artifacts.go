package state

// RecordArtifact inserts or replaces an artifact on the chat and returns the
// record as stored. A republish for the same workspace path overwrites the
// existing record but keeps its id, so download links stay stable. New
// artifacts append to the list, which is clamped to ArtifactsCap oldest-first.
// The stored id also joins the current-prompt group.
func (c *Chat) RecordArtifact(a Artifact) Artifact {
	replaced := false
	for i := range c.Artifacts {
		if c.Artifacts[i].Path == a.Path {
			a.ID = c.Artifacts[i].ID
			c.Artifacts[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		c.Artifacts = append(c.Artifacts, a)
		c.Artifacts = clampTail(c.Artifacts, ArtifactsCap)
	}

	for _, id := range c.CurrentArtifactIDs {
		if id == a.ID {
			return a
		}
	}
	c.CurrentArtifactIDs = append(c.CurrentArtifactIDs, a.ID)
	c.CurrentArtifactIDs = clampTail(c.CurrentArtifactIDs, ArtifactsCap)
	return a
}

// ArtifactByID returns the artifact with the given id.
func (c *Chat) ArtifactByID(id string) (Artifact, bool) {
	for _, a := range c.Artifacts {
		if a.ID == id {
			return a, true
		}
	}
	return Artifact{}, false
}
