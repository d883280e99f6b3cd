package installer

import (
	"context"
	"path"
	"sort"
	"strings"

	"github.com/GriffinCanCode/streambox/backend/internal/domain/manifest"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/errs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// BundledScheme prefixes sources shipped with the application
const BundledScheme = "bundled://"

var manifestNames = []string{"manifest.json", "manifest.yaml", "manifest.yml", "manifest.toml"}

func bundledSource(sourceURL string) (string, bool) {
	dir, ok := strings.CutPrefix(sourceURL, BundledScheme)
	return dir, ok
}

// BundledURL returns the source URL of a bundled directory
func BundledURL(dir string) string {
	return BundledScheme + dir
}

// InstallBundled installs every directory under the bundled root. Failures
// are collected and do not stop the remaining installs.
func (i *Installer) InstallBundled(ctx context.Context) ([]*types.Extension, error) {
	if i.opts.Bundled == nil {
		return nil, nil
	}
	entries, err := afero.ReadDir(i.opts.Bundled, "/")
	if err != nil {
		return nil, errs.Persistence("install.bundled", err)
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Name() < entries[b].Name() })

	var (
		out    []*types.Extension
		result error
	)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ext, err := i.Install(ctx, BundledURL(e.Name()))
		if err != nil {
			result = multierr.Append(result, err)
			continue
		}
		out = append(out, ext)
	}
	i.logger.Info("Bundled extensions installed",
		zap.Int("installed", len(out)),
		zap.Int("failed", len(multierr.Errors(result))))
	return out, result
}

func (i *Installer) fetchBundled(dir, sourceURL string) (*pkg, error) {
	m, manifestPath, err := i.bundledManifest(dir)
	if err != nil {
		return nil, err
	}
	entry := path.Join(path.Dir(manifestPath), path.Clean("/"+m.Entry))
	payload, err := afero.ReadFile(i.opts.Bundled, entry)
	if err != nil {
		return nil, errs.Manifest("install.bundled", "read entry %s: %v", entry, err)
	}
	return &pkg{sourceURL: sourceURL, manifest: m, payload: payload}, nil
}

// bundledManifest reads the first manifest file found in dir
func (i *Installer) bundledManifest(dir string) (*types.Manifest, string, error) {
	if i.opts.Bundled == nil {
		return nil, "", errs.Manifest("install.bundled", "%v", ErrNoBundledRoot)
	}
	dir = path.Clean("/" + dir)
	for _, name := range manifestNames {
		p := path.Join(dir, name)
		data, err := afero.ReadFile(i.opts.Bundled, p)
		if err != nil {
			continue
		}
		m, err := manifest.Parse(data, manifest.DetectFormat(name, ""))
		if err != nil {
			return nil, "", err
		}
		return m, p, nil
	}
	return nil, "", errs.Manifest("install.bundled", "no manifest in %s", dir)
}
