package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/openfroyo/hostmove/pkg/config"
	"github.com/openfroyo/hostmove/pkg/faults"
)

// BuildPlan derives the plan of a run from configuration. The plan always
// lists every phase in the same order; phases configuration turns off are
// marked disabled and recorded as skipped when the run reaches them.
func BuildPlan(cfg *config.Config) *Plan {
	leave := cfg.DomainLeave.Enabled
	temp := leave && cfg.TempAccount.Enabled

	phases := []PhaseSpec{
		{
			Name:        PhasePreflight,
			Description: "Evaluate safeguards against a host snapshot",
			Skippable:   true,
			Enabled:     true,
		},
		{
			Name:        PhaseBackup,
			Description: "Copy the profile to the backup root",
			Mutating:    true,
			Skippable:   true,
			Enabled:     true,
		},
		{
			Name:        PhaseRecoveryExport,
			Description: "Export disk-encryption recovery material",
			Mutating:    true,
			Skippable:   true,
			Enabled:     cfg.RecoveryExport.Enabled,
		},
		{
			Name:        PhaseTempAccountCreate,
			Description: "Create the temporary administrator",
			Mutating:    true,
			Enabled:     temp,
		},
		{
			Name:           PhaseDomainLeave,
			Description:    "Leave the source directory",
			Mutating:       true,
			RequiresReboot: true,
			Enabled:        leave,
		},
		{
			Name:        PhaseTargetJoin,
			Description: "Wait for the user to join the target directory",
			Mutating:    true,
			Enabled:     true,
		},
		{
			Name:        PhaseProfileRestore,
			Description: "Restore the profile from the backup",
			Mutating:    true,
			Enabled:     cfg.Profile.Engine == "" || cfg.Profile.Engine == config.EngineRestore,
		},
		{
			Name:        PhaseTempAccountRemove,
			Description: "Remove the temporary administrator",
			Mutating:    true,
			Enabled:     temp,
		},
	}

	for i := range phases {
		p := &phases[i]
		if p.Enabled {
			continue
		}
		switch p.Name {
		case PhaseRecoveryExport:
			p.DisabledReason = "recoveryExport.enabled is false"
		case PhaseDomainLeave:
			p.DisabledReason = "domainLeave.enabled is false"
		case PhaseTempAccountCreate, PhaseTempAccountRemove:
			p.DisabledReason = "tempAccount.enabled or domainLeave.enabled is false"
		case PhaseProfileRestore:
			p.DisabledReason = fmt.Sprintf("profile engine is %s", cfg.Profile.Engine)
		}
	}

	return &Plan{Phases: phases}
}

// Names returns the phase names in order.
func (p *Plan) Names() []string {
	names := make([]string, len(p.Phases))
	for i, ph := range p.Phases {
		names[i] = ph.Name
	}
	return names
}

// Index returns the position of the named phase, or -1.
func (p *Plan) Index(name string) int {
	for i, ph := range p.Phases {
		if ph.Name == name {
			return i
		}
	}
	return -1
}

// Spec returns the named phase, or nil.
func (p *Plan) Spec(name string) *PhaseSpec {
	if i := p.Index(name); i >= 0 {
		return &p.Phases[i]
	}
	return nil
}

// Next returns the phase after name, or "" when name is last.
func (p *Plan) Next(name string) string {
	i := p.Index(name)
	if i < 0 || i+1 >= len(p.Phases) {
		return ""
	}
	return p.Phases[i+1].Name
}

// Encode serializes the plan for the checkpoint.
func (p *Plan) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Matches reports whether names lists exactly the phases of the plan.
func (p *Plan) Matches(names []string) bool {
	if len(names) != len(p.Phases) {
		return false
	}
	for i, ph := range p.Phases {
		if names[i] != ph.Name {
			return false
		}
	}
	return true
}

// ValidateSkips rejects skip flags naming unknown or mandatory phases.
func (p *Plan) ValidateSkips(skip map[string]bool) error {
	var bad []string
	for name, on := range skip {
		if !on {
			continue
		}
		spec := p.Spec(name)
		if spec == nil || !spec.Skippable {
			bad = append(bad, name)
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return faults.Configuration("cannot skip phases: "+strings.Join(bad, ", "), nil).
		WithCode(faults.CodeInvalidConfig)
}
