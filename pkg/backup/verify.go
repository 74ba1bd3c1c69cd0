package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/faults"
)

// VerifyIntegrity walks every file under a backup directory and confirms it
// can be read. When the directory has a manifest, each copied item is also
// checked for presence and against its recorded file count. Problems are
// reported, not returned as errors; the error is non-nil only when the
// directory itself cannot be walked.
func (s *Service) VerifyIntegrity(ctx context.Context, dir string) (IntegrityReport, error) {
	m, err := ReadManifest(dir)
	if err != nil && !errors.Is(err, ErrNoManifest) {
		return IntegrityReport{}, err
	}
	return s.verify(ctx, dir, m)
}

func (s *Service) verify(ctx context.Context, dir string, m *Manifest) (IntegrityReport, error) {
	var report IntegrityReport

	if _, err := os.Stat(dir); err != nil {
		return report, faults.Integrity("backup directory is not accessible", err).
			WithCode(faults.CodeMissingContent).
			WithDetail("path", dir)
	}

	var items []string
	if m != nil {
		for _, e := range m.Entries {
			items = append(items, e.Path)
		}
	}
	present := make(map[string]int64, len(items))

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, relErr := filepath.Rel(dir, p)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)

		if err != nil {
			// unreadable directory: record it and keep walking
			report.UnreadableFiles = append(report.UnreadableFiles, rel)
			report.Issues = append(report.Issues, fmt.Sprintf("%s is unreadable: %v", rel, err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || isReport(rel) {
			return nil
		}

		if owner := owningItem(items, rel); owner != "" {
			present[owner]++
		}
		report.TotalFiles++

		if d.Type()&fs.ModeSymlink != 0 {
			if _, err := os.Readlink(p); err != nil {
				report.UnreadableFiles = append(report.UnreadableFiles, rel)
				report.Issues = append(report.Issues, fmt.Sprintf("%s is unreadable: %v", rel, err))
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if err := readAll(p); err != nil {
			report.UnreadableFiles = append(report.UnreadableFiles, rel)
			report.Issues = append(report.Issues, fmt.Sprintf("%s is unreadable: %v", rel, err))
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	if m != nil {
		for _, e := range m.Entries {
			if e.Status != EntryCopied {
				continue
			}
			itemPath := filepath.Join(dir, filepath.FromSlash(e.Path))
			if _, err := os.Lstat(itemPath); err != nil {
				report.MissingItems = append(report.MissingItems, e.Path)
				report.Issues = append(report.Issues, fmt.Sprintf("%s is missing from the backup", e.Path))
				continue
			}
			if present[e.Path] < e.Files {
				report.Issues = append(report.Issues,
					fmt.Sprintf("%s: %d files recorded, %d present", e.Path, e.Files, present[e.Path]))
			}
		}
	}

	sort.Strings(report.UnreadableFiles)
	level := zerolog.InfoLevel
	if !report.OK() {
		level = zerolog.WarnLevel
	}
	s.logger.WithLevel(level).
		Str("dir", dir).
		Int64("files", report.TotalFiles).
		Int("unreadable", len(report.UnreadableFiles)).
		Int("missing", len(report.MissingItems)).
		Msg("Integrity verification finished")

	return report, nil
}

// Err returns an integrity error describing the report, or nil when it is
// clean.
func (r IntegrityReport) Err() error {
	if r.OK() {
		return nil
	}
	code := faults.CodeUnreadable
	if len(r.UnreadableFiles) == 0 {
		code = faults.CodeMissingContent
	}
	return faults.Integrity(fmt.Sprintf("backup verification found %d issue(s)", len(r.Issues)), nil).
		WithCode(code).
		WithDetail("issues", r.Issues)
}

func readAll(p string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(io.Discard, f)
	return err
}

// owningItem returns the manifest item containing rel.
func owningItem(items []string, rel string) string {
	owner := ""
	for _, item := range items {
		if (rel == item || strings.HasPrefix(rel, item+"/")) && len(item) > len(owner) {
			owner = item
		}
	}
	return owner
}

// isReport reports whether rel is a file the backup keeps about itself.
func isReport(rel string) bool {
	if strings.Contains(rel, "/") {
		return false
	}
	return rel == ManifestName || rel == ManifestName+".tmp" ||
		(strings.HasPrefix(rel, "restore-") && strings.HasSuffix(rel, ".json"))
}
