// Package preflight evaluates the safeguards a host must meet before any
// migration phase changes it.
//
// Evaluation happens in two steps. Collect probes the host through a
// capability.Prober and produces a Snapshot. EvaluateSnapshot turns the
// snapshot and the configured thresholds into a Result without touching
// the host, so the verdict is deterministic for a given snapshot. Every
// check runs even after an earlier one fails.
package preflight

import (
	"strings"
	"time"

	"github.com/openfroyo/hostmove/pkg/capability"
	"github.com/openfroyo/hostmove/pkg/faults"
)

// Outcome is the verdict of a single check.
type Outcome string

const (
	OutcomePass Outcome = "pass"
	OutcomeWarn Outcome = "warn"
	OutcomeFail Outcome = "fail"
)

// Check names.
const (
	CheckPrivilege        = "privilege"
	CheckDiskSpace        = "disk-space"
	CheckACPower          = "ac-power"
	CheckNetwork          = "network"
	CheckSourceMembership = "source-membership"

	// PolicyPrefix prefixes the names of policy checks.
	PolicyPrefix = "policy:"
)

// Check is the result of one safeguard.
type Check struct {
	Name        string  `json:"name"`
	Outcome     Outcome `json:"outcome"`
	Message     string  `json:"message"`
	Remediation string  `json:"remediation,omitempty"`
}

// Snapshot is the host state preflight decisions are made from.
type Snapshot struct {
	Privileged       bool                        `json:"privileged"`
	Volume           string                      `json:"volume"`
	FreeBytes        uint64                      `json:"free_bytes"`
	OnACPower        bool                        `json:"on_ac_power"`
	NetworkProbe     string                      `json:"network_probe,omitempty"`
	NetworkReachable bool                        `json:"network_reachable"`
	Membership       capability.MembershipStatus `json:"membership"`

	// ProbeErrors maps a check name to the error its probe returned.
	ProbeErrors map[string]string `json:"probe_errors,omitempty"`

	TakenAt time.Time `json:"taken_at"`
}

// Result is the aggregate of all checks.
type Result struct {
	Checks      []Check   `json:"checks"`
	Snapshot    Snapshot  `json:"snapshot"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Add appends a check.
func (r *Result) Add(c Check) {
	r.Checks = append(r.Checks, c)
}

// Passed reports whether no check failed. Warnings never block.
func (r *Result) Passed() bool {
	for _, c := range r.Checks {
		if c.Outcome == OutcomeFail {
			return false
		}
	}
	return true
}

// Failures returns the failed checks.
func (r *Result) Failures() []Check {
	return r.filter(OutcomeFail)
}

// Warnings returns the checks that passed with a warning.
func (r *Result) Warnings() []Check {
	return r.filter(OutcomeWarn)
}

// Check returns the named check, or nil.
func (r *Result) Check(name string) *Check {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

func (r *Result) filter(o Outcome) []Check {
	var out []Check
	for _, c := range r.Checks {
		if c.Outcome == o {
			out = append(out, c)
		}
	}
	return out
}

// Err returns a prerequisite error naming the failed checks, or nil when
// the result passed.
func (r *Result) Err() error {
	failures := r.Failures()
	if len(failures) == 0 {
		return nil
	}

	names := make([]string, 0, len(failures))
	messages := make([]string, 0, len(failures))
	for _, f := range failures {
		names = append(names, f.Name)
		messages = append(messages, f.Message)
	}
	return faults.Prerequisite("preflight failed: "+strings.Join(messages, "; "), nil).
		WithCode(faults.CodePreflightFailed).
		WithDetail("checks", names)
}
