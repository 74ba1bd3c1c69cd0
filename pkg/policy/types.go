package policy

// Level is the outcome a policy rule assigns to its findings.
type Level string

const (
	// LevelDeny blocks the migration.
	LevelDeny Level = "deny"

	// LevelWarn is reported but does not block.
	LevelWarn Level = "warn"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module's package must define
	// a deny set, a warn set, or both.
	Rego string `json:"rego"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Finding is a single message produced by a policy.
type Finding struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Level is deny or warn.
	Level Level `json:"level"`

	// Message is a human-readable message.
	Message string `json:"message"`

	// Remediation suggests a fix, when the policy provides one.
	Remediation string `json:"remediation,omitempty"`
}

// Input is the document policies evaluate. Config is the migration
// configuration as JSON-shaped data; Snapshot is the host snapshot taken
// for preflight.
type Input struct {
	Config   map[string]interface{} `json:"config"`
	Snapshot map[string]interface{} `json:"snapshot"`
	DryRun   bool                   `json:"dry_run"`
}

// EvalError records a policy that could not be evaluated.
type EvalError struct {
	Policy string
	Err    error
}

func (e *EvalError) Error() string {
	return "policy " + e.Policy + ": " + e.Err.Error()
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Findings  []Finding
	Errors    []*EvalError
	Evaluated []string
}
