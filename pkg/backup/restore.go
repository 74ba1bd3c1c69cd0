package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/faults"
)

// Restore copies a backup back into the profile.
//
// The manifest supplies the list of items; without one, the top-level
// entries of the backup directory are used and the restore is logged as
// lacking provenance. Integrity is always verified first. When it reports
// issues the restore stops with an integrity error unless req.Force is set.
// Failures of individual items are tallied, never returned.
func (s *Service) Restore(ctx context.Context, req RestoreRequest) (*RestoreSummary, error) {
	if req.Mode == "" {
		req.Mode = ModeFull
	}
	switch req.Mode {
	case ModeFull, ModeVerifyOnly:
	case ModeSelective:
		if len(req.Groups) == 0 {
			return nil, faults.Configuration("selective restore needs at least one group", nil).
				WithCode(faults.CodeInvalidConfig)
		}
	default:
		return nil, faults.Configuration(fmt.Sprintf("unknown restore mode %q", req.Mode), nil).
			WithCode(faults.CodeInvalidConfig)
	}

	summary := &RestoreSummary{
		Dir:       req.Dir,
		Mode:      req.Mode,
		Groups:    req.Groups,
		Timestamp: s.clock.Now().UTC(),
		DryRun:    req.DryRun,
	}

	m, err := ReadManifest(req.Dir)
	switch {
	case err == nil:
		summary.Provenance = true
	case errors.Is(err, ErrNoManifest):
		s.logger.Warn().Str("dir", req.Dir).Msg("Backup has no manifest; restoring without provenance checks")
	default:
		s.logger.Warn().Err(err).Str("dir", req.Dir).Msg("Backup manifest is unusable; restoring without provenance checks")
		m = nil
	}

	summary.Target = req.Target
	if summary.Target == "" && m != nil {
		summary.Target = m.ProfileDir
	}
	if summary.Target == "" && req.Mode != ModeVerifyOnly {
		return nil, faults.Configuration("restore target is unknown without a manifest", nil).
			WithCode(faults.CodeInvalidConfig)
	}

	report, err := s.verify(ctx, req.Dir, m)
	if err != nil {
		return nil, err
	}
	summary.Integrity = report

	if req.Mode == ModeVerifyOnly {
		return summary, nil
	}

	if !report.OK() {
		if !req.Force {
			return summary, report.Err()
		}
		s.logger.Warn().Int("issues", len(report.Issues)).Msg("Restoring despite integrity issues")
	}

	items, err := restoreItems(req.Dir, m)
	if err != nil {
		return nil, err
	}
	sel := newSelection(req)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !sel.includes(item.path) {
			summary.NotSelected++
			summary.Items = append(summary.Items, ItemResult{Path: item.path, Outcome: ItemNotSelected})
			continue
		}
		summary.TotalItems++
		res := s.restoreOne(ctx, req, summary.Target, item)
		switch res.Outcome {
		case ItemRestored:
			summary.Successful++
		case ItemFailed:
			summary.Failed++
		case ItemSkipped:
			summary.Skipped++
		}
		summary.Items = append(summary.Items, res)
	}

	if !req.DryRun {
		path, err := writeRestoreReport(req.Dir, summary)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to write restore report")
		}
		summary.ReportPath = path
	}

	s.logger.Info().
		Str("mode", string(summary.Mode)).
		Int("total", summary.TotalItems).
		Int("successful", summary.Successful).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("not_selected", summary.NotSelected).
		Msg("Restore finished")

	return summary, nil
}

type restoreItem struct {
	path string

	// recorded is false for items the backup recorded as skipped.
	recorded bool
}

// restoreItems lists what a backup holds. With a manifest every entry is an
// item; entries the backup skipped are kept so they count as skipped.
func restoreItems(dir string, m *Manifest) ([]restoreItem, error) {
	if m != nil {
		items := make([]restoreItem, 0, len(m.Entries))
		for _, e := range m.Entries {
			items = append(items, restoreItem{path: e.Path, recorded: e.Status != EntrySkipped})
		}
		return items, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, faults.Integrity("failed to list backup directory", err).
			WithCode(faults.CodeMissingContent).
			WithDetail("path", dir)
	}
	var items []restoreItem
	for _, e := range entries {
		if isReport(e.Name()) {
			continue
		}
		items = append(items, restoreItem{path: e.Name(), recorded: true})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].path < items[j].path })
	return items, nil
}

func (s *Service) restoreOne(ctx context.Context, req RestoreRequest, target string, item restoreItem) ItemResult {
	res := ItemResult{Path: item.path}
	source := filepath.Join(req.Dir, filepath.FromSlash(item.path))

	if !item.recorded {
		res.Outcome = ItemSkipped
		return res
	}
	if _, err := os.Lstat(source); err != nil {
		res.Outcome = ItemSkipped
		res.Error = "missing from backup"
		s.logger.Warn().Str("path", item.path).Msg("Restore item is missing from the backup, skipped")
		return res
	}

	if req.DryRun {
		res.Outcome = ItemRestored
		s.logger.Info().Str("path", item.path).Msg("dry-run: would restore item")
		return res
	}

	stats, err := s.mirror.MirrorTree(ctx, source, filepath.Join(target, filepath.FromSlash(item.path)), capability.MirrorOptions{})
	res.Files = stats.Files
	res.Bytes = stats.Bytes
	switch {
	case err != nil:
		res.Outcome = ItemFailed
		res.Error = err.Error()
		s.logger.Error().Err(err).Str("path", item.path).Msg("Restore item failed")
	case len(stats.Errors) > 0:
		res.Outcome = ItemFailed
		res.Error = strings.Join(stats.Errors, "; ")
		s.logger.Warn().Str("path", item.path).Int("errors", len(stats.Errors)).Msg("Restore item restored with errors")
	default:
		res.Outcome = ItemRestored
		s.logger.Info().Str("path", item.path).Int64("files", stats.Files).Msg("Restore item restored")
	}
	return res
}

// selection decides which items a restore applies to.
type selection struct {
	all    bool
	groups map[string]struct{}
	always []string
}

func newSelection(req RestoreRequest) selection {
	sel := selection{
		all:    req.Mode != ModeSelective,
		groups: make(map[string]struct{}, len(req.Groups)),
	}
	for _, g := range req.Groups {
		if g = cleanRel(g); g != "" {
			sel.groups[strings.ToLower(firstSegment(g))] = struct{}{}
		}
	}
	for _, g := range req.AlwaysRestore {
		if g = cleanRel(g); g != "" {
			sel.always = append(sel.always, strings.ToLower(g))
		}
	}
	return sel
}

// includes matches the first segment of an item against the selected
// groups. Always-restored groups match the item they name, anything below
// it, and any parent of it.
func (s selection) includes(item string) bool {
	if s.all {
		return true
	}
	item = strings.ToLower(item)
	if _, ok := s.groups[firstSegment(item)]; ok {
		return true
	}
	for _, g := range s.always {
		if item == g || strings.HasPrefix(item, g+"/") || strings.HasPrefix(g, item+"/") {
			return true
		}
	}
	return false
}

func writeRestoreReport(dir string, summary *RestoreSummary) (string, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "restore-"+summary.Timestamp.Format(dirLayout)+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
