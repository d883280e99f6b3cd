package types

// Manifest describes a remote extension package
type Manifest struct {
	ID          string     `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty"`
	Name        string     `json:"name" yaml:"name" toml:"name"`
	Version     string     `json:"version" yaml:"version" toml:"version"`
	Icon        *string    `json:"icon,omitempty" yaml:"icon,omitempty" toml:"icon,omitempty"`
	Author      *string    `json:"author,omitempty" yaml:"author,omitempty" toml:"author,omitempty"`
	Description *string    `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Entry       string     `json:"entry" yaml:"entry" toml:"entry"`
	Hosts       []string   `json:"hosts,omitempty" yaml:"hosts,omitempty" toml:"hosts,omitempty"`
	Integrity   *Integrity `json:"integrity,omitempty" yaml:"integrity,omitempty" toml:"integrity,omitempty"`
	Signature   *Signature `json:"signature,omitempty" yaml:"signature,omitempty" toml:"signature,omitempty"`
}

// Integrity declares a payload digest
type Integrity struct {
	Algorithm string `json:"algorithm" yaml:"algorithm" toml:"algorithm"`
	Digest    string `json:"digest" yaml:"digest" toml:"digest"`
}

// Signature declares a detached payload signature
type Signature struct {
	Scheme string `json:"scheme" yaml:"scheme" toml:"scheme"`
	KeyID  string `json:"keyId" yaml:"keyId" toml:"keyId"`
	Value  string `json:"value" yaml:"value" toml:"value"`
}

// Declared reports whether the manifest carries any integrity data
func (m *Manifest) Declared() bool {
	return m.Integrity != nil || m.Signature != nil
}
