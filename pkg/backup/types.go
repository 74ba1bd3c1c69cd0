// Package backup copies a user profile to a backup root before migration,
// verifies what was copied, and restores it afterwards.
//
// Each backup lives in its own directory under the backup root and carries
// a manifest.json describing what was copied. The directory mirrors the
// layout of the profile: an include path "Documents" is stored as
// <backup>/Documents. Restore reads the manifest to learn which items exist
// and where they came from; it still works, with a warning, when the
// manifest is missing.
package backup

import (
	"time"

	"github.com/openfroyo/hostmove/pkg/capability"
)

// ManifestName is the manifest file inside a backup directory.
const ManifestName = "manifest.json"

// ManifestVersion is the current manifest format version.
const ManifestVersion = 1

// EntryStatus is the backup outcome of one include path.
type EntryStatus string

const (
	EntryCopied  EntryStatus = "copied"
	EntrySkipped EntryStatus = "skipped"
	EntryFailed  EntryStatus = "failed"
)

// Request describes a backup.
type Request struct {
	// ProfileDir is the root include paths are relative to.
	ProfileDir string

	// Includes are profile-relative paths to copy.
	Includes []string

	// Excludes are exclude patterns rooted at the profile directory.
	Excludes []string

	// DestinationRoot is the backup root; each backup gets its own
	// directory below it.
	DestinationRoot string

	// RunID names the run that took the backup.
	RunID string

	// User is recorded in the manifest.
	User string

	// DryRun evaluates the includes without writing anything.
	DryRun bool
}

// Entry is the outcome of one include path.
type Entry struct {
	Path   string      `json:"path"`
	Source string      `json:"source"`
	Status EntryStatus `json:"status"`
	Files  int64       `json:"files"`
	Bytes  int64       `json:"bytes"`
	Error  string      `json:"error,omitempty"`
}

// Tally counts entries by status.
type Tally struct {
	Copied  int `json:"copied"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Manifest describes a completed backup. It is written once and never
// modified.
type Manifest struct {
	Version         int                   `json:"version"`
	RunID           string                `json:"runId,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
	Host            string                `json:"host"`
	User            string                `json:"user"`
	ProfileDir      string                `json:"profileDir"`
	SourcePaths     []string              `json:"sourcePaths"`
	ExcludePatterns []string              `json:"excludePatterns"`
	Excludes        capability.ExcludeSet `json:"excludes"`
	DestinationRoot string                `json:"destinationRoot"`
	Entries         []Entry               `json:"entries"`
	Tally           Tally                 `json:"tally"`

	// Dir is the backup directory the manifest was read from or written to.
	Dir string `json:"-"`
}

// Entry returns the entry for path, or nil.
func (m *Manifest) Entry(path string) *Entry {
	for i := range m.Entries {
		if m.Entries[i].Path == path {
			return &m.Entries[i]
		}
	}
	return nil
}

// Mode selects what a restore does.
type Mode string

const (
	ModeFull       Mode = "full"
	ModeSelective  Mode = "selective"
	ModeVerifyOnly Mode = "verify"
)

// RestoreRequest describes a restore.
type RestoreRequest struct {
	// Dir is the backup directory to restore from.
	Dir string

	// Target is the directory restored into. Empty means the profile
	// directory recorded in the manifest.
	Target string

	Mode Mode

	// Groups are the top-level groups a selective restore includes.
	Groups []string

	// AlwaysRestore lists groups a selective restore includes regardless of
	// Groups.
	AlwaysRestore []string

	// Force restores even when integrity verification reported issues.
	Force bool

	DryRun bool
}

// ItemOutcome is the restore outcome of one item.
type ItemOutcome string

const (
	ItemRestored    ItemOutcome = "restored"
	ItemFailed      ItemOutcome = "failed"
	ItemSkipped     ItemOutcome = "skipped"
	ItemNotSelected ItemOutcome = "not_selected"
)

// ItemResult is the restore outcome of one backup item.
type ItemResult struct {
	Path    string      `json:"path"`
	Outcome ItemOutcome `json:"outcome"`
	Files   int64       `json:"files,omitempty"`
	Bytes   int64       `json:"bytes,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RestoreSummary reports a restore. TotalItems counts the items the mode
// applies to, and Successful+Failed+Skipped always equals TotalItems.
// Items a selective restore leaves out are counted in NotSelected.
type RestoreSummary struct {
	Dir         string          `json:"dir"`
	Target      string          `json:"target"`
	Mode        Mode            `json:"mode"`
	Groups      []string        `json:"groups,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	DryRun      bool            `json:"dryRun"`
	Provenance  bool            `json:"provenance"`
	TotalItems  int             `json:"totalItems"`
	Successful  int             `json:"successful"`
	Failed      int             `json:"failed"`
	Skipped     int             `json:"skipped"`
	NotSelected int             `json:"notSelected"`
	Items       []ItemResult    `json:"items"`
	Integrity   IntegrityReport `json:"integrity"`
	ReportPath  string          `json:"-"`
}

// IntegrityReport is the result of walking a backup directory.
type IntegrityReport struct {
	TotalFiles      int64    `json:"totalFiles"`
	UnreadableFiles []string `json:"unreadableFiles,omitempty"`
	MissingItems    []string `json:"missingItems,omitempty"`
	Issues          []string `json:"issues,omitempty"`
}

// OK reports whether verification found no issue.
func (r IntegrityReport) OK() bool {
	return len(r.Issues) == 0
}
