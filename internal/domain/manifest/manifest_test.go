package manifest

import (
	"errors"
	"testing"

	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"json", JSON, `{"id":"demo","name":"Demo","version":"1.0","entry":"main.js","hosts":["*.Example.com"]}`},
		{"yaml", YAML, "id: demo\nname: Demo\nversion: \"1.0\"\nentry: main.js\nhosts:\n  - \"*.Example.com\"\n"},
		{"toml", TOML, "id = \"demo\"\nname = \"Demo\"\nversion = \"1.0\"\nentry = \"main.js\"\nhosts = [\"*.Example.com\"]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.data), tt.format)
			require.NoError(t, err)
			assert.Equal(t, "demo", m.ID)
			assert.Equal(t, "Demo", m.Name)
			assert.Equal(t, "1.0", m.Version)
			assert.Equal(t, "main.js", m.Entry)
			assert.Equal(t, []string{"*.example.com"}, m.Hosts)
			assert.False(t, m.Declared())
		})
	}
}

func TestParseDerivesID(t *testing.T) {
	m, err := Parse([]byte(`{"name":"Movies 4U!","version":"2.1.0","entry":"index.js"}`), JSON)
	require.NoError(t, err)
	assert.Equal(t, "movies_4u", m.ID)
}

func TestParseSanitizesDescription(t *testing.T) {
	m, err := Parse([]byte(`{"name":"Demo","version":"1.0","entry":"main.js","description":"<b>Fast</b> &amp; <script>alert(1)</script>free"}`), JSON)
	require.NoError(t, err)
	require.NotNil(t, m.Description)
	assert.Equal(t, "Fast & free", *m.Description)
}

func TestParseSchemaIssues(t *testing.T) {
	_, err := Parse([]byte(`{"name":"Demo","version":1}`), JSON)
	require.ErrorIs(t, err, errs.ErrManifest)

	var ve *ValidationError
	require.True(t, errors.As(err, &ve))

	var paths []string
	for _, is := range ve.Issues {
		paths = append(paths, is.Path+"|"+is.Keyword)
	}
	assert.Contains(t, paths, "|required")
	assert.Contains(t, paths, "/version|type")
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"malformed", `{"name":`},
		{"bad version", `{"name":"Demo","version":"one","entry":"main.js"}`},
		{"empty entry", `{"name":"Demo","version":"1.0","entry":""}`},
		{"blank entry", `{"name":"Demo","version":"1.0","entry":"   "}`},
		{"bad id", `{"id":"../etc","name":"Demo","version":"1.0","entry":"main.js"}`},
		{"unnameable", `{"name":"!!!","version":"1.0","entry":"main.js"}`},
		{"unknown algorithm", `{"name":"Demo","version":"1.0","entry":"main.js","integrity":{"algorithm":"crc32","digest":"ab"}}`},
		{"md5 integrity", `{"name":"Demo","version":"1.0","entry":"main.js","integrity":{"algorithm":"md5","digest":"ab"}}`},
		{"non hex digest", `{"name":"Demo","version":"1.0","entry":"main.js","integrity":{"algorithm":"sha256","digest":"zz"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), JSON)
			assert.ErrorIs(t, err, errs.ErrManifest)
		})
	}
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, YAML, DetectFormat("https://x.dev/ext/manifest.yml?v=2", ""))
	assert.Equal(t, TOML, DetectFormat("https://x.dev/ext/manifest.toml", ""))
	assert.Equal(t, JSON, DetectFormat("https://x.dev/ext/manifest.json", "application/yaml"))
	assert.Equal(t, YAML, DetectFormat("https://x.dev/ext/manifest", "application/x-yaml; charset=utf-8"))
	assert.Equal(t, JSON, DetectFormat("https://x.dev/ext/manifest", "text/plain"))
}

func TestResolveEntry(t *testing.T) {
	got, err := ResolveEntry("https://cdn.example.com/ext/demo/manifest.json", "main.js")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/ext/demo/main.js", got)

	got, err = ResolveEntry("https://cdn.example.com/ext/demo/manifest.json", "https://other.example.com/bundle.js")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/bundle.js", got)

	_, err = ResolveEntry("https://cdn.example.com/manifest.json", "file:///etc/passwd")
	assert.ErrorIs(t, err, errs.ErrManifest)
}

func TestIsNewer(t *testing.T) {
	tests := []struct {
		current, candidate string
		want               bool
	}{
		{"1.0", "1.1", true},
		{"1.0.0", "1.0", false},
		{"v1.2.0", "1.10.0", true},
		{"2.0.0", "2.0.0-beta", false},
	}
	for _, tt := range tests {
		got, err := IsNewer(tt.current, tt.candidate)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s -> %s", tt.current, tt.candidate)
	}

	_, err := IsNewer("1.0", "latest")
	assert.Error(t, err)
}
