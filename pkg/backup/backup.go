package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/faults"
)

// dirLayout names backup directories; it sorts chronologically.
const dirLayout = "20060102-150405"

// Service takes, verifies, and restores backups. All file transfer goes
// through the mirrorer.
type Service struct {
	mirror capability.Mirrorer
	clock  clock.Clock
	host   func() (string, error)
	logger zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithHostname replaces the host name lookup.
func WithHostname(fn func() (string, error)) Option {
	return func(s *Service) {
		s.host = fn
	}
}

// NewService creates a backup service.
func NewService(mirror capability.Mirrorer, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		mirror: mirror,
		clock:  clock.WallClock,
		host:   os.Hostname,
		logger: logger.With().Str("component", "backup").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backup copies every include path into a new directory under the
// destination root and writes its manifest. Include paths that do not exist
// are recorded as skipped. A failed include does not stop the others; the
// returned error is non-nil only when the backup could not be recorded at
// all.
func (s *Service) Backup(ctx context.Context, req Request) (*Manifest, error) {
	if req.ProfileDir == "" || req.DestinationRoot == "" {
		return nil, faults.Configuration("backup needs a profile directory and a destination root", nil).
			WithCode(faults.CodeInvalidConfig)
	}

	now := s.clock.Now().UTC()
	host, err := s.host()
	if err != nil {
		host = "unknown"
	}

	dirName := now.Format(dirLayout)
	if req.RunID != "" {
		dirName += "-" + shortID(req.RunID)
	}
	dest := filepath.Join(req.DestinationRoot, dirName)

	excludes := capability.ParseExcludes(req.Excludes)
	m := &Manifest{
		Version:         ManifestVersion,
		RunID:           req.RunID,
		Timestamp:       now,
		Host:            host,
		User:            req.User,
		ProfileDir:      req.ProfileDir,
		SourcePaths:     append(make([]string, 0, len(req.Includes)), req.Includes...),
		ExcludePatterns: append(make([]string, 0, len(req.Excludes)), req.Excludes...),
		Excludes:        excludes,
		DestinationRoot: req.DestinationRoot,
		Entries:         []Entry{},
		Dir:             dest,
	}

	if !req.DryRun {
		if err := os.MkdirAll(dest, 0o700); err != nil {
			return nil, faults.Mutation("failed to create backup directory", err).
				WithOperation("backup").
				WithDetail("path", dest)
		}
	}

	logger := s.logger.With().Str("destination", dest).Bool("dry_run", req.DryRun).Logger()
	logger.Info().Int("includes", len(req.Includes)).Msg("Backup started")

	for _, include := range req.Includes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry := s.backupOne(ctx, logger, req, excludes, include, dest)
		m.Entries = append(m.Entries, entry)
		switch entry.Status {
		case EntryCopied:
			m.Tally.Copied++
		case EntrySkipped:
			m.Tally.Skipped++
		case EntryFailed:
			m.Tally.Failed++
		}
	}

	if !req.DryRun {
		if err := WriteManifest(dest, m); err != nil {
			return nil, faults.Mutation("failed to write backup manifest", err).WithOperation("backup")
		}
	}

	var bytes int64
	for _, e := range m.Entries {
		bytes += e.Bytes
	}
	logger.Info().
		Int("copied", m.Tally.Copied).
		Int("skipped", m.Tally.Skipped).
		Int("failed", m.Tally.Failed).
		Str("size", humanize.IBytes(uint64(bytes))).
		Msg("Backup finished")

	return m, nil
}

func (s *Service) backupOne(ctx context.Context, logger zerolog.Logger, req Request, excludes capability.ExcludeSet, include, dest string) Entry {
	rel := cleanRel(include)
	source := filepath.Join(req.ProfileDir, filepath.FromSlash(rel))
	entry := Entry{Path: rel, Source: source}

	if rel == "" {
		entry.Status = EntryFailed
		entry.Error = "include path names the profile root"
		logger.Error().Str("include", include).Msg(entry.Error)
		return entry
	}

	if _, err := os.Lstat(source); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			entry.Status = EntrySkipped
			logger.Info().Str("path", rel).Msg("Include path does not exist, skipped")
			return entry
		}
		entry.Status = EntryFailed
		entry.Error = err.Error()
		logger.Error().Err(err).Str("path", rel).Msg("Include path is not accessible")
		return entry
	}

	if req.DryRun {
		entry.Status = EntryCopied
		logger.Info().Str("path", rel).Msg("dry-run: would copy include path")
		return entry
	}

	stats, err := s.mirror.MirrorTree(ctx, source, filepath.Join(dest, filepath.FromSlash(rel)), capability.MirrorOptions{
		Excludes: excludes.Rebase(rel),
		Purge:    true,
	})
	entry.Files = stats.Files
	entry.Bytes = stats.Bytes
	if err != nil {
		entry.Status = EntryFailed
		entry.Error = err.Error()
		logger.Error().Err(err).Str("path", rel).Msg("Include path failed to copy")
		return entry
	}
	if len(stats.Errors) > 0 {
		entry.Status = EntryFailed
		entry.Error = strings.Join(stats.Errors, "; ")
		logger.Warn().Str("path", rel).Int("errors", len(stats.Errors)).Msg("Include path copied with errors")
		return entry
	}

	entry.Status = EntryCopied
	logger.Info().
		Str("path", rel).
		Int64("files", stats.Files).
		Str("size", humanize.IBytes(uint64(stats.Bytes))).
		Msg("Include path copied")
	return entry
}

// LatestBackup returns the newest backup directory under root that holds a
// manifest.
func LatestBackup(root string) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return "", fmt.Errorf("failed to list backups in %s: %w", root, err)
	}

	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), ManifestName)); err == nil {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no backups in %s: %w", root, ErrNoManifest)
	}
	sort.Strings(dirs)
	return filepath.Join(root, dirs[len(dirs)-1]), nil
}

// cleanRel normalizes a profile-relative path to slash form. Parent
// references cannot climb above the profile; the profile root itself
// yields "".
func cleanRel(p string) string {
	p = path.Clean("/" + strings.ReplaceAll(p, "\\", "/"))
	p = strings.TrimPrefix(p, "/")
	if p == "." || p == "" {
		return ""
	}
	return p
}

// firstSegment returns the leading path segment of a slash path.
func firstSegment(p string) string {
	if i := strings.Index(p, "/"); i >= 0 {
		return p[:i]
	}
	return p
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
