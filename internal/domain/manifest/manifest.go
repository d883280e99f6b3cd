// Package manifest decodes and validates extension manifests.
//
// A manifest may be JSON, YAML or TOML. Whatever the format, it is checked
// against one embedded JSON schema, then semantically: the version must be
// a semantic version, the entry point a relative file name, and the id
// (derived from the name when omitted) safe for storage keys.
package manifest

import (
	"fmt"
	"html"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/paths"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/utils"
	"github.com/Masterminds/semver/v3"
	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/microcosm-cc/bluemonday"
	"github.com/pelletier/go-toml/v2"
)

// Format is a manifest encoding
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
	TOML Format = "toml"
)

const op = "manifest"

var sanitizer = bluemonday.StrictPolicy()

// DetectFormat picks the encoding from the URL suffix, then the content
// type, defaulting to JSON
func DetectFormat(rawURL, contentType string) Format {
	if u, err := url.Parse(rawURL); err == nil {
		switch strings.ToLower(path.Ext(u.Path)) {
		case ".yaml", ".yml":
			return YAML
		case ".toml":
			return TOML
		case ".json":
			return JSON
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case strings.Contains(mt, "yaml"):
			return YAML
		case strings.Contains(mt, "toml"):
			return TOML
		}
	}
	return JSON
}

// Parse decodes and validates a manifest
func Parse(data []byte, format Format) (*types.Manifest, error) {
	doc, err := decode(data, format)
	if err != nil {
		return nil, errs.Manifest(op, "decode %s: %v", format, err)
	}
	if err := validateShape(doc); err != nil {
		return nil, errs.New(errs.ErrManifest, op, "", err)
	}

	// Re-decode the normalized document into the typed manifest
	normalized, err := sonic.Marshal(doc)
	if err != nil {
		return nil, errs.Manifest(op, "normalize: %v", err)
	}
	var m types.Manifest
	if err := sonic.Unmarshal(normalized, &m); err != nil {
		return nil, errs.Manifest(op, "decode fields: %v", err)
	}

	if err := normalize(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func decode(data []byte, format Format) (any, error) {
	var doc any
	switch format {
	case YAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case TOML:
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		doc = m
	default:
		if err := sonic.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	}
	return toJSONCompatible(doc), nil
}

// toJSONCompatible converts decoder specific map types to map[string]any
func toJSONCompatible(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = toJSONCompatible(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = toJSONCompatible(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = toJSONCompatible(item)
		}
		return out
	default:
		return v
	}
}

func normalize(m *types.Manifest) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return errs.Manifest(op, "name is blank")
	}

	if _, err := semver.NewVersion(m.Version); err != nil {
		return errs.Manifest(op, "version %q is not a semantic version: %v", m.Version, err)
	}
	if err := paths.ValidateVersion(m.Version); err != nil {
		return errs.Manifest(op, "%v", err)
	}

	if m.ID == "" {
		m.ID = paths.DeriveID(m.Name)
	}
	if err := paths.ValidateExtensionID(m.ID); err != nil {
		return errs.Manifest(op, "%v", err)
	}

	m.Entry = strings.TrimSpace(m.Entry)
	if m.Entry == "" {
		return errs.Manifest(op, "entry point is blank")
	}

	if m.Description != nil {
		clean := strings.TrimSpace(html.UnescapeString(sanitizer.Sanitize(*m.Description)))
		m.Description = &clean
	}

	for i, h := range m.Hosts {
		m.Hosts[i] = strings.ToLower(strings.TrimSpace(h))
	}

	if m.Integrity != nil {
		if _, err := utils.NewHasher(utils.HashAlgorithm(m.Integrity.Algorithm)); err != nil || strings.EqualFold(m.Integrity.Algorithm, string(utils.MD5)) {
			return errs.Manifest(op, "unsupported integrity algorithm %q", m.Integrity.Algorithm)
		}
		m.Integrity.Digest = strings.ToLower(m.Integrity.Digest)
	}
	return nil
}

// ResolveEntry resolves the entry point against the manifest URL.
// Absolute http(s) entries are used as-is.
func ResolveEntry(manifestURL, entry string) (string, error) {
	base, err := url.Parse(manifestURL)
	if err != nil {
		return "", errs.Manifest(op, "manifest URL: %v", err)
	}
	ref, err := url.Parse(entry)
	if err != nil {
		return "", errs.Manifest(op, "entry point %q: %v", entry, err)
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", errs.Manifest(op, "entry point %q resolves to unsupported scheme %q", entry, resolved.Scheme)
	}
	return resolved.String(), nil
}

// IsNewer reports whether candidate is a higher version than current
func IsNewer(current, candidate string) (bool, error) {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("parse current version %q: %w", current, err)
	}
	next, err := semver.NewVersion(candidate)
	if err != nil {
		return false, fmt.Errorf("parse candidate version %q: %w", candidate, err)
	}
	return next.GreaterThan(cur), nil
}
