package types

import "time"

// Extension is the persisted record of an installed extension
type Extension struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Icon        *string   `json:"icon,omitempty"`
	Author      *string   `json:"author,omitempty"`
	Description *string   `json:"description,omitempty"`
	SourceURL   string    `json:"sourceUrl"`
	InstalledAt time.Time `json:"installedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Enabled     bool      `json:"enabled"`

	EntryPoint string   `json:"entryPoint"`
	PayloadKey string   `json:"payloadKey"`
	Checksum   string   `json:"checksum"`
	Hosts      []string `json:"hosts,omitempty"`
}

// Clone returns a deep copy safe to hand to another goroutine
func (e *Extension) Clone() *Extension {
	if e == nil {
		return nil
	}
	c := *e
	c.Icon = cloneString(e.Icon)
	c.Author = cloneString(e.Author)
	c.Description = cloneString(e.Description)
	if e.Hosts != nil {
		c.Hosts = append([]string(nil), e.Hosts...)
	}
	return &c
}

// Summary is a compact view used in logs and list responses
type Summary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

// ToSummary converts the record to its summary
func (e *Extension) ToSummary() Summary {
	return Summary{ID: e.ID, Name: e.Name, Version: e.Version, Enabled: e.Enabled}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
