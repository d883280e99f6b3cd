package manager

import (
	"context"
	"sort"
	"time"

	"github.com/GriffinCanCode/streambox/backend/internal/domain/manifest"
	"github.com/GriffinCanCode/streambox/backend/internal/infrastructure/prefs"
	"github.com/GriffinCanCode/streambox/backend/internal/shared/types"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultUpdateConcurrency bounds parallel manifest checks
const DefaultUpdateConcurrency = 4

// UpdateReport summarizes one update check
type UpdateReport struct {
	Checked int               `json:"checked"`
	Updated []types.Extension `json:"updated"`
	Failed  map[string]string `json:"failed,omitempty"`
}

type checkResult struct {
	id      string
	updated *types.Extension
	err     error
}

// CheckForUpdates polls the manifest of every installed extension and
// updates those whose remote version is newer. A failure for one extension
// does not stop the others; the joined failures are returned with the report.
func (m *Manager) CheckForUpdates(ctx context.Context) (*UpdateReport, error) {
	installed, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}

	p := pool.NewWithResults[checkResult]().WithMaxGoroutines(m.updateConcurrency)
	for _, ext := range installed {
		p.Go(func() checkResult {
			updated, err := m.checkOne(ctx, &ext)
			return checkResult{id: ext.ID, updated: updated, err: err}
		})
	}
	results := p.Wait()
	sort.Slice(results, func(i, j int) bool { return results[i].id < results[j].id })

	report := &UpdateReport{Checked: len(results), Updated: []types.Extension{}}
	var failed error
	for _, r := range results {
		switch {
		case r.err != nil:
			if report.Failed == nil {
				report.Failed = make(map[string]string)
			}
			report.Failed[r.id] = r.err.Error()
			failed = multierr.Append(failed, r.err)
		case r.updated != nil:
			report.Updated = append(report.Updated, *r.updated)
		}
	}

	if m.prefs != nil {
		if err := m.prefs.SetTime(ctx, prefs.KeyLastUpdateCheck, m.now()); err != nil {
			failed = multierr.Append(failed, err)
		}
	}
	m.metrics.RecordUpdateCheck(len(report.Updated))
	m.logger.Info("Update check finished",
		zap.Int("checked", report.Checked),
		zap.Int("updated", len(report.Updated)),
		zap.Int("failed", len(report.Failed)))
	return report, failed
}

// checkOne returns the updated record, or nil when ext is current
func (m *Manager) checkOne(ctx context.Context, ext *types.Extension) (*types.Extension, error) {
	remote, err := m.installer.FetchManifest(ctx, ext.SourceURL)
	if err != nil {
		return nil, err
	}
	newer, err := manifest.IsNewer(ext.Version, remote.Version)
	if err != nil || !newer {
		return nil, err
	}
	m.logger.Info("Update available",
		zap.String("extension", ext.ID),
		zap.String("current", ext.Version),
		zap.String("available", remote.Version))
	return m.Update(ctx, ext.ID)
}

// LastUpdateCheck returns when CheckForUpdates last ran
func (m *Manager) LastUpdateCheck(ctx context.Context) (time.Time, bool, error) {
	return m.prefs.GetTime(ctx, prefs.KeyLastUpdateCheck)
}
