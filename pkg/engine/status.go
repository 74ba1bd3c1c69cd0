package engine

import (
	"github.com/openfroyo/hostmove/pkg/checkpoint"
)

// summarize builds the summary of a run from its checkpoint.
func summarize(cp *checkpoint.Checkpoint) *RunSummary {
	s := &RunSummary{
		RunID:  cp.RunID,
		State:  cp.State,
		DryRun: cp.DryRun,
		Total:  len(cp.Phases),
		Error:  cp.Error,
	}

	for _, p := range cp.Phases {
		row := PhaseSummary{
			Name:     p.Name,
			Status:   p.Status,
			Decision: p.Decision,
			Detail:   p.Detail,
			Error:    p.Error,
		}
		if p.StartedAt != nil && p.EndedAt != nil {
			row.Duration = p.EndedAt.Sub(*p.StartedAt)
		}
		s.Phases = append(s.Phases, row)

		switch p.Status {
		case checkpoint.PhaseStatusSucceeded:
			s.Succeeded++
		case checkpoint.PhaseStatusFailed:
			s.Failed++
			s.Failures = append(s.Failures, PhaseFailure{Phase: p.Name, Cause: p.Error})
		case checkpoint.PhaseStatusSkipped:
			s.Skipped++
		default:
			s.Pending++
		}
	}

	if cp.State == checkpoint.RunStateInProgress || cp.State == checkpoint.RunStateAborted {
		s.ResumePhase = cp.PendingResumePhase
	}
	return s
}

// Decisions maps each phase that reached a decision to its label.
func (s *RunSummary) Decisions() map[string]string {
	out := make(map[string]string, len(s.Phases))
	for _, p := range s.Phases {
		if p.Decision != "" {
			out[p.Name] = p.Decision
		}
	}
	return out
}

// Phase returns the named row, or nil.
func (s *RunSummary) Phase(name string) *PhaseSummary {
	for i := range s.Phases {
		if s.Phases[i].Name == name {
			return &s.Phases[i]
		}
	}
	return nil
}

// Finished reports whether the run reached a terminal state.
func (s *RunSummary) Finished() bool {
	return s.State.IsTerminal()
}

// Halted reports whether the run stopped without finishing and without a
// reboot pending.
func (s *RunSummary) Halted() bool {
	return !s.Finished() && !s.RebootRequired
}
