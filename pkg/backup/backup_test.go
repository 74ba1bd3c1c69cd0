package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/hostmove/pkg/faults"
	"github.com/openfroyo/hostmove/pkg/gateway"
)

const testRunID = "4b1d2c3e-0000-4000-8000-00000000abcd"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func newTestService(t *testing.T) (*Service, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc := NewService(
		gateway.NewMirror(zerolog.Nop(), gateway.WithRetry(0, time.Millisecond)),
		zerolog.Nop(),
		WithClock(clk),
		WithHostname(func() (string, error) { return "ws-042", nil }),
	)
	return svc, clk
}

// profile builds a small profile tree.
func profile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "Desktop", "x.txt"), "desktop file")
	writeFile(t, filepath.Join(dir, "Documents", "y.txt"), "document file")
	writeFile(t, filepath.Join(dir, "Documents", "draft.tmp"), "scratch")
	writeFile(t, filepath.Join(dir, ".cache", "thumb"), "cache")
	writeFile(t, filepath.Join(dir, ".config", "app", "settings.ini"), "a=1")
	return dir
}

func takeBackup(t *testing.T, svc *Service, profileDir, root string, includes ...string) *Manifest {
	t.Helper()
	m, err := svc.Backup(context.Background(), Request{
		ProfileDir:      profileDir,
		Includes:        includes,
		Excludes:        []string{".cache/", "*.tmp"},
		DestinationRoot: root,
		RunID:           testRunID,
		User:            "alice",
	})
	require.NoError(t, err)
	return m
}

func TestBackupWritesManifest(t *testing.T) {
	svc, _ := newTestService(t)
	src := profile(t)
	root := t.TempDir()

	m := takeBackup(t, svc, src, root, "Desktop", "Documents", "Pictures", ".config")

	assert.Equal(t, filepath.Join(root, "20260301-090000-4b1d2c3e"), m.Dir)
	assert.Equal(t, Tally{Copied: 3, Skipped: 1}, m.Tally)
	assert.Equal(t, len(m.Entries), m.Tally.Copied+m.Tally.Skipped+m.Tally.Failed)
	assert.Equal(t, EntrySkipped, m.Entry("Pictures").Status)

	read, err := ReadManifest(m.Dir)
	require.NoError(t, err)
	assert.Equal(t, "ws-042", read.Host)
	assert.Equal(t, "alice", read.User)
	assert.Equal(t, src, read.ProfileDir)
	assert.Equal(t, []string{"Desktop", "Documents", "Pictures", ".config"}, read.SourcePaths)
	assert.Equal(t, m.Tally, read.Tally)

	assert.Equal(t, "desktop file", readFile(t, filepath.Join(m.Dir, "Desktop", "x.txt")))
	assert.Equal(t, "a=1", readFile(t, filepath.Join(m.Dir, ".config", "app", "settings.ini")))
	assert.NoFileExists(t, filepath.Join(m.Dir, "Documents", "draft.tmp"))
}

func TestBackupDryRunWritesNothing(t *testing.T) {
	svc, _ := newTestService(t)
	src := profile(t)
	root := t.TempDir()

	m, err := svc.Backup(context.Background(), Request{
		ProfileDir:      src,
		Includes:        []string{"Desktop", "Missing"},
		DestinationRoot: root,
		RunID:           testRunID,
		DryRun:          true,
	})
	require.NoError(t, err)
	assert.Equal(t, Tally{Copied: 1, Skipped: 1}, m.Tally)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestBackupRequiresRoots(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Backup(context.Background(), Request{Includes: []string{"Desktop"}})
	require.Error(t, err)
	assert.True(t, faults.IsConfiguration(err))
}

func TestBackupProfileRootIncludeFails(t *testing.T) {
	svc, _ := newTestService(t)
	m := takeBackup(t, svc, profile(t), t.TempDir(), "Desktop", "../..")
	assert.Equal(t, EntryFailed, m.Entries[1].Status)
	assert.Equal(t, 1, m.Tally.Failed)
}

func TestLatestBackup(t *testing.T) {
	svc, clk := newTestService(t)
	src := profile(t)
	root := t.TempDir()

	takeBackup(t, svc, src, root, "Desktop")
	clk.Advance(time.Hour)
	second := takeBackup(t, svc, src, root, "Desktop")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "99999999-not-a-backup"), 0o755))

	latest, err := LatestBackup(root)
	require.NoError(t, err)
	assert.Equal(t, second.Dir, latest)

	_, err = LatestBackup(t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifest)
}

func TestVerifyIntegrityClean(t *testing.T) {
	svc, _ := newTestService(t)
	m := takeBackup(t, svc, profile(t), t.TempDir(), "Desktop", "Documents")

	report, err := svc.VerifyIntegrity(context.Background(), m.Dir)
	require.NoError(t, err)
	assert.True(t, report.OK())
	assert.Equal(t, int64(2), report.TotalFiles)
	assert.NoError(t, report.Err())
}

func TestVerifyIntegrityMissingItem(t *testing.T) {
	svc, _ := newTestService(t)
	m := takeBackup(t, svc, profile(t), t.TempDir(), "Desktop", "Documents")
	require.NoError(t, os.RemoveAll(filepath.Join(m.Dir, "Documents")))

	report, err := svc.VerifyIntegrity(context.Background(), m.Dir)
	require.NoError(t, err)
	assert.False(t, report.OK())
	assert.Equal(t, []string{"Documents"}, report.MissingItems)

	ierr := report.Err()
	require.Error(t, ierr)
	assert.True(t, faults.IsIntegrity(ierr))
}

func TestVerifyIntegrityUnreadableFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("file permissions are not enforced for root")
	}
	svc, _ := newTestService(t)
	m := takeBackup(t, svc, profile(t), t.TempDir(), "Desktop")
	locked := filepath.Join(m.Dir, "Desktop", "x.txt")
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o600) })

	report, err := svc.VerifyIntegrity(context.Background(), m.Dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"Desktop/x.txt"}, report.UnreadableFiles)
	assert.Contains(t, report.Err().Error(), "issue")
}

func TestReadManifestRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestName), `{"version": 0, "entries": []}`)

	_, err := ReadManifest(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoManifest)

	_, err = ReadManifest(t.TempDir())
	assert.ErrorIs(t, err, ErrNoManifest)
}
