package paths

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveID(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Demo", "demo"},
		{"My Provider!", "my_provider"},
		{"  Movies 4U  ", "movies_4u"},
		{"Ünïcode", "n_code"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveID(tt.name))
			assert.NoError(t, ValidateExtensionID(DeriveID(tt.name)))
		})
	}
}

func TestValidateExtensionID(t *testing.T) {
	assert.NoError(t, ValidateExtensionID("demo"))
	assert.NoError(t, ValidateExtensionID("demo.v2_beta-1"))

	assert.Error(t, ValidateExtensionID(""))
	assert.Error(t, ValidateExtensionID("../etc"))
	assert.Error(t, ValidateExtensionID("a/b"))
	assert.Error(t, ValidateExtensionID("Demo"))
	assert.Error(t, ValidateExtensionID("a..b"))
	assert.Error(t, ValidateExtensionID(strings.Repeat("a", MaxIDLength+1)))
}

func TestPayloadKey(t *testing.T) {
	key := PayloadKey("demo", "1.0", "0123456789abcdef", "lib/main.js")
	assert.Equal(t, "demo/1.0/01234567/main.js", key)
	assert.Equal(t, "demo", KeyOwner(key))
}

func TestValidateVersion(t *testing.T) {
	assert.NoError(t, ValidateVersion("1.0.0-beta+build"))
	assert.Error(t, ValidateVersion(".."))
	assert.Error(t, ValidateVersion("1/0"))
}

func TestLayout(t *testing.T) {
	l := New("/data")
	assert.Equal(t, "/data/extensions.db", l.Database())
	assert.Equal(t, "/data/prefs.db", l.Prefs())
	assert.Equal(t, "/data/payloads", l.Payloads())
}
