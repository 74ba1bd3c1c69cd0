package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/faults"
)

// Default retry policy for files that are temporarily locked.
const (
	DefaultRetries       = 2
	DefaultRetryInterval = 2 * time.Second
)

// Mirror copies directory trees. Symbolic links are recreated as links and
// never followed; devices, sockets and pipes are skipped.
type Mirror struct {
	retries  uint64
	interval time.Duration
	open     func(name string) (*os.File, error)
	logger   zerolog.Logger
}

// MirrorOption configures a Mirror.
type MirrorOption func(*Mirror)

// WithRetry sets how often and how far apart a locked file is retried.
func WithRetry(retries uint64, interval time.Duration) MirrorOption {
	return func(m *Mirror) {
		m.retries = retries
		m.interval = interval
	}
}

// NewMirror creates a Mirror with the default retry policy.
func NewMirror(logger zerolog.Logger, opts ...MirrorOption) *Mirror {
	m := &Mirror{
		retries:  DefaultRetries,
		interval: DefaultRetryInterval,
		open:     os.Open,
		logger:   logger.With().Str("component", "mirror").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// MirrorTree copies source to dest. Per-file failures are collected in the
// returned stats and do not stop the transfer; the error is reserved for
// failures that affect the whole tree.
func (m *Mirror) MirrorTree(ctx context.Context, source, dest string, opts capability.MirrorOptions) (capability.MirrorStats, error) {
	var stats capability.MirrorStats

	matcher, err := opts.Excludes.Compile()
	if err != nil {
		return stats, faults.Configuration("invalid exclude pattern", err).
			WithCode(faults.CodeInvalidConfig).
			WithOperation("mirror")
	}

	info, err := os.Lstat(source)
	if err != nil {
		return stats, faults.Mutation("mirror source is not accessible", err).
			WithOperation("mirror").
			WithDetail("source", source)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return stats, faults.Mutation("failed to create mirror destination", err).
			WithOperation("mirror").
			WithDetail("dest", dest)
	}

	w := &walker{mirror: m, matcher: matcher, purge: opts.Purge, stats: &stats}
	switch {
	case info.IsDir():
		err = w.dir(ctx, source, dest, "")
	default:
		w.entry(ctx, source, dest, path.Base(filepath.ToSlash(source)), info)
	}
	if err != nil {
		return stats, err
	}

	m.logger.Debug().
		Str("source", source).
		Str("dest", dest).
		Int64("files", stats.Files).
		Int64("bytes", stats.Bytes).
		Int64("skipped", stats.Skipped).
		Int("errors", len(stats.Errors)).
		Msg("Tree mirrored")
	return stats, nil
}

type walker struct {
	mirror  *Mirror
	matcher *capability.Matcher
	purge   bool
	stats   *capability.MirrorStats
}

func (w *walker) fail(rel string, err error) {
	w.stats.Errors = append(w.stats.Errors, fmt.Sprintf("%s: %v", rel, err))
	w.mirror.logger.Warn().Err(err).Str("path", rel).Msg("Mirror entry failed")
}

// dir mirrors the directory src to dst. rel is src relative to the tree
// root, in slash form.
func (w *walker) dir(ctx context.Context, src, dst, rel string) error {
	info, err := os.Stat(src)
	if err != nil {
		w.fail(displayRel(rel), err)
		return nil
	}
	if err := ensureDir(dst, info.Mode().Perm()); err != nil {
		w.fail(displayRel(rel), err)
		return nil
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		w.fail(displayRel(rel), err)
		return nil
	}

	keep := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		childRel := path.Join(rel, e.Name())
		childSrc := filepath.Join(src, e.Name())
		childDst := filepath.Join(dst, e.Name())

		if e.IsDir() {
			if w.matcher.ExcludesDir(childRel) {
				continue
			}
			keep[e.Name()] = struct{}{}
			if err := w.dir(ctx, childSrc, childDst, childRel); err != nil {
				return err
			}
			continue
		}

		info, err := e.Info()
		if err != nil {
			w.fail(childRel, err)
			continue
		}
		if w.entry(ctx, childSrc, childDst, childRel, info) {
			keep[e.Name()] = struct{}{}
		}
	}

	if w.purge {
		w.purgeExtra(dst, rel, keep)
	}
	return nil
}

// entry mirrors a non-directory. It reports whether dst should be kept
// when purging.
func (w *walker) entry(ctx context.Context, src, dst, rel string, info fs.FileInfo) bool {
	mode := info.Mode()
	switch {
	case mode&fs.ModeSymlink != 0:
		if w.matcher.ExcludesFile(rel) {
			return false
		}
		if err := copySymlink(src, dst); err != nil {
			w.fail(rel, err)
			return true
		}
		w.stats.Files++
		return true

	case mode.IsRegular():
		if w.matcher.ExcludesFile(rel) {
			return false
		}
		if unchanged(info, dst) {
			w.stats.Files++
			w.stats.Bytes += info.Size()
			return true
		}
		n, err := w.copyWithRetry(ctx, src, dst, info)
		if err != nil {
			w.fail(rel, err)
			return true
		}
		w.stats.Files++
		w.stats.Bytes += n
		return true

	default:
		w.stats.Skipped++
		w.mirror.logger.Debug().Str("path", rel).Str("mode", mode.String()).Msg("Irregular file skipped")
		return false
	}
}

// copyWithRetry copies one file, retrying while it is locked. Once the
// retries are spent the failure is a mutation error.
func (w *walker) copyWithRetry(ctx context.Context, src, dst string, info fs.FileInfo) (int64, error) {
	var n int64
	attempts := 0
	op := func() error {
		attempts++
		var err error
		n, err = w.mirror.copyFile(src, dst, info)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			w.mirror.logger.Debug().Err(err).Str("path", src).Int("attempt", attempts).Msg("File is locked, retrying")
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(w.mirror.interval), w.mirror.retries),
		ctx,
	)
	err := backoff.Retry(op, policy)
	if err == nil {
		return n, nil
	}
	if isTransient(err) {
		return 0, faults.Mutation(fmt.Sprintf("file stayed locked after %d attempts", attempts), err).
			WithCode(faults.CodeRetriesExhausted).
			WithOperation("mirror").
			WithDetail("path", src)
	}
	return 0, err
}

func (m *Mirror) copyFile(src, dst string, info fs.FileInfo) (int64, error) {
	in, err := m.open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	if existing, err := os.Lstat(dst); err == nil && !existing.Mode().IsRegular() {
		if err := os.RemoveAll(dst); err != nil {
			return 0, err
		}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if err := os.Chmod(dst, info.Mode().Perm()); err != nil {
		return n, err
	}
	return n, os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func (w *walker) purgeExtra(dst, rel string, keep map[string]struct{}) {
	entries, err := os.ReadDir(dst)
	if err != nil {
		w.fail(displayRel(rel), err)
		return
	}
	for _, e := range entries {
		if _, ok := keep[e.Name()]; ok {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dst, e.Name())); err != nil {
			w.fail(path.Join(rel, e.Name()), err)
		}
	}
}

func copySymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return err
	}
	if current, err := os.Readlink(dst); err == nil && current == target {
		return nil
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Symlink(target, dst)
}

// ensureDir creates dst as a directory, replacing a non-directory in the
// way.
func ensureDir(dst string, perm fs.FileMode) error {
	if info, err := os.Lstat(dst); err == nil {
		if info.IsDir() {
			return nil
		}
		if err := os.Remove(dst); err != nil {
			return err
		}
	}
	return os.MkdirAll(dst, perm|0o700)
}

// unchanged reports whether dst already holds src by size and mtime.
func unchanged(src fs.FileInfo, dst string) bool {
	info, err := os.Lstat(dst)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return info.Size() == src.Size() && info.ModTime().Equal(src.ModTime())
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK)
}

func displayRel(rel string) string {
	if rel == "" {
		return "."
	}
	return rel
}
