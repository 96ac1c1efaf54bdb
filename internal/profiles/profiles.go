// Package profiles resolves an agent type to the command launched inside a
// chat container. Defaults are compiled in; a profiles.yaml in the data
// directory overrides or extends them by id.
package profiles

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/agenthub/agenthub/internal/state"
)

//go:embed profiles.yaml
var defaultsFS embed.FS

// Profile describes one launchable agent type.
type Profile struct {
	ID          string   `yaml:"id" json:"id"`
	DisplayName string   `yaml:"displayName" json:"display_name"`
	Command     []string `yaml:"command" json:"command"`
	TitleModel  string   `yaml:"titleModel" json:"title_model,omitempty"`
}

type catalogFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// Catalog is the merged set of launch profiles, in declaration order.
type Catalog struct {
	entries []Profile
	byID    map[string]Profile
}

// Load parses the built-in catalog and merges <dataDir>/profiles.yaml on top
// when it exists. Overrides replace whole entries by id; new ids are
// appended.
func Load(dataDir string) (*Catalog, error) {
	data, err := defaultsFS.ReadFile("profiles.yaml")
	if err != nil {
		return nil, fmt.Errorf("read built-in profiles: %w", err)
	}
	var defaults catalogFile
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("parse built-in profiles: %w", err)
	}

	c := &Catalog{byID: make(map[string]Profile)}
	for _, p := range defaults.Profiles {
		c.upsert(p)
	}

	if dataDir != "" {
		overridePath := filepath.Join(dataDir, "profiles.yaml")
		raw, err := os.ReadFile(overridePath)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read profile overrides: %w", err)
		default:
			var overrides catalogFile
			if err := yaml.Unmarshal(raw, &overrides); err != nil {
				return nil, fmt.Errorf("parse %s: %w", overridePath, err)
			}
			for _, p := range overrides.Profiles {
				c.upsert(p)
			}
		}
	}

	return c, nil
}

func (c *Catalog) upsert(p Profile) {
	if p.ID == "" {
		return
	}
	if _, ok := c.byID[p.ID]; ok {
		for i := range c.entries {
			if c.entries[i].ID == p.ID {
				c.entries[i] = p
				break
			}
		}
	} else {
		c.entries = append(c.entries, p)
	}
	c.byID[p.ID] = p
}

// Lookup returns the profile for an agent type.
func (c *Catalog) Lookup(agentType state.AgentType) (Profile, bool) {
	p, ok := c.byID[string(agentType)]
	return p, ok
}

// All returns the catalog entries in declaration order.
func (c *Catalog) All() []Profile {
	out := make([]Profile, len(c.entries))
	copy(out, c.entries)
	return out
}
