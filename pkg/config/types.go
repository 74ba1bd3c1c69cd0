// Package config loads and validates the migration configuration.
//
// A configuration document may be YAML, JSON, TOML, or CUE. Every document
// is unified with the embedded CUE schema, which fills in defaults and
// rejects unknown fields, and the result is checked with struct validation.
package config

import (
	"path/filepath"
	"time"
)

// Severity selects how a safeguard check reports an unmet condition.
type Severity string

const (
	SeverityFail Severity = "fail"
	SeverityWarn Severity = "warn"
	SeverityOff  Severity = "off"
)

// OnFailure selects what happens after a phase fails when no operator is
// available to answer the continuation prompt.
type OnFailure string

const (
	OnFailurePrompt   OnFailure = "prompt"
	OnFailureContinue OnFailure = "continue"
	OnFailureAbort    OnFailure = "abort"
)

// Profile migration engines.
const (
	EngineRestore  = "restore"
	EngineExternal = "external"
)

// Config is the complete migration configuration.
type Config struct {
	// Principal is the user whose profile is migrated.
	Principal string `json:"principal" validate:"required"`

	// ProfileDir is the principal's profile directory.
	ProfileDir string `json:"profileDir" validate:"required"`

	Profile        ProfileConfig        `json:"profile"`
	Backup         BackupConfig         `json:"backup"`
	Safeguards     SafeguardConfig      `json:"safeguards"`
	RecoveryExport RecoveryExportConfig `json:"recoveryExport"`
	DomainLeave    DomainLeaveConfig    `json:"domainLeave"`
	TempAccount    TempAccountConfig    `json:"tempAccount"`
	Join           JoinConfig           `json:"join"`
	Logging        LoggingConfig        `json:"logging"`
	State          StateConfig          `json:"state"`
	Preflight      PreflightConfig      `json:"preflight"`
	Secrets        SecretsConfig        `json:"secrets"`
	Telemetry      TelemetryConfig      `json:"telemetry"`
	Gateway        GatewayConfig        `json:"gateway"`

	// OnFailure applies when no interactive operator is present.
	OnFailure OnFailure `json:"onFailure" validate:"oneof=prompt continue abort"`
}

// ProfileConfig selects the profile migration engine.
type ProfileConfig struct {
	Engine string `json:"engine" validate:"oneof=restore external"`
}

// BackupConfig configures the pre-migration data backup.
type BackupConfig struct {
	Root    string   `json:"root" validate:"required"`
	Include []string `json:"include" validate:"min=1,dive,required"`
	Exclude []string `json:"exclude"`

	// AlwaysRestore lists groups restored even when a selective restore
	// does not name them.
	AlwaysRestore []string `json:"alwaysRestore"`
}

// SafeguardConfig holds preflight thresholds.
type SafeguardConfig struct {
	MinFreeDiskGB int      `json:"minFreeDiskGB" validate:"gte=0"`
	Volume        string   `json:"volume"`
	ACPower       Severity `json:"acPower" validate:"oneof=fail warn off"`
	Network       Severity `json:"network" validate:"oneof=fail warn off"`
	NetworkProbe  string   `json:"networkProbe" validate:"required_unless=Network off"`
}

// RecoveryExportConfig configures the disk-encryption recovery export.
type RecoveryExportConfig struct {
	Enabled   bool   `json:"enabled"`
	Directory string `json:"directory" validate:"required_if=Enabled true"`
	Device    string `json:"device"`
}

// DomainLeaveConfig configures leaving the source directory.
type DomainLeaveConfig struct {
	Enabled bool   `json:"enabled"`
	User    string `json:"user"`

	// SecretRef is optional; the operator is prompted when it is empty.
	SecretRef string `json:"secretRef"`
}

// TempAccountConfig configures the temporary local administrator that
// carries the migration across the reboot.
type TempAccountConfig struct {
	Enabled   bool   `json:"enabled"`
	Name      string `json:"name" validate:"required_if=Enabled true"`
	SecretRef string `json:"secretRef" validate:"required_if=Enabled true"`
}

// JoinConfig bounds the wait for the target-directory join.
type JoinConfig struct {
	PollIntervalSeconds int `json:"pollIntervalSeconds" validate:"gt=0"`
	TimeoutSeconds      int `json:"timeoutSeconds" validate:"gtfield=PollIntervalSeconds"`
}

// PollInterval returns the join poll interval.
func (j JoinConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalSeconds) * time.Second
}

// Timeout returns the join timeout ceiling.
func (j JoinConfig) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// LoggingConfig configures the run log.
type LoggingConfig struct {
	Directory string `json:"directory" validate:"required"`
	Level     string `json:"level" validate:"oneof=debug info warn error"`
}

// StateConfig locates the checkpoint database.
type StateConfig struct {
	Path string `json:"path"`
}

// PreflightConfig lists operator Rego policy files.
type PreflightConfig struct {
	Policies []string `json:"policies"`
}

// SecretsConfig configures secret resolution.
type SecretsConfig struct {
	EnvFile string `json:"envFile"`
}

// TelemetryConfig toggles metrics and tracing output.
type TelemetryConfig struct {
	Metrics bool `json:"metrics"`
	Tracing bool `json:"tracing"`
}

// Command is an argv template executed by the gateway. Templates see
// .User, .Name, .Dest and .Device; Stdin additionally sees .Secret.
type Command struct {
	Argv  []string `json:"argv"`
	Stdin string   `json:"stdin,omitempty"`
}

// Configured reports whether the command has an executable.
func (c Command) Configured() bool {
	return len(c.Argv) > 0 && c.Argv[0] != ""
}

// StatusCommand is a command whose "key: value" output is mapped onto a
// typed status.
type StatusCommand struct {
	Argv         []string `json:"argv"`
	JoinedKey    string   `json:"joinedKey"`
	JoinedValues []string `json:"joinedValues"`
	DomainKey    string   `json:"domainKey,omitempty"`
	TenantKey    string   `json:"tenantKey,omitempty"`
	DeviceKey    string   `json:"deviceKey,omitempty"`
}

// GatewayConfig holds the host commands behind command-backed verbs.
type GatewayConfig struct {
	Membership     StatusCommand `json:"membership"`
	JoinStatus     StatusCommand `json:"joinStatus"`
	Leave          Command       `json:"leave"`
	CreateAccount  Command       `json:"createAccount"`
	SetPassword    Command       `json:"setPassword"`
	RemoveAccount  Command       `json:"removeAccount"`
	JoinPrompt     Command       `json:"joinPrompt"`
	RecoveryExport Command       `json:"recoveryExport"`
	Restart        Command       `json:"restart"`

	ProbeTimeoutSeconds int `json:"probeTimeoutSeconds" validate:"gt=0"`
}

// StatePath returns the checkpoint database path.
func (c *Config) StatePath() string {
	if c.State.Path != "" {
		return c.State.Path
	}
	return filepath.Join(c.Logging.Directory, "hostmove.db")
}

// DiskVolume returns the path whose volume is checked for free space.
func (c *Config) DiskVolume() string {
	if c.Safeguards.Volume != "" {
		return c.Safeguards.Volume
	}
	return c.Backup.Root
}

// MinFreeDiskBytes returns the free-space threshold in bytes.
func (c *Config) MinFreeDiskBytes() uint64 {
	return uint64(c.Safeguards.MinFreeDiskGB) << 30
}
