// Package engine sequences the phases of a host migration.
//
// # Overview
//
// A migration is a fixed, ordered plan of phases built from configuration:
//
//  1. preflight - evaluate safeguards against a host snapshot
//  2. backup - copy the profile to the backup root
//  3. recovery-export - export disk-encryption recovery material
//  4. temp-account-create - create the administrator that carries the run
//     across the reboot
//  5. domain-leave - leave the source directory (requires a reboot)
//  6. target-join - wait for the user to join the target directory
//  7. profile-restore - restore the profile from the backup
//  8. temp-account-remove - remove the temporary administrator
//
// Phases are not all applicable to every host. A phase disabled by
// configuration or by an operator skip flag is recorded as skipped, and a
// phase may decide at runtime that there is nothing to do (a host that is
// not joined has nothing to leave). Every phase reports a decision label,
// the branch it took, which is recorded in the checkpoint and the run
// summary.
//
// # Orchestration
//
// The Orchestrator walks the plan in order and records every status change
// in the checkpoint before acting on it. A phase that needs a reboot
// registers a one-shot continuation before the run returns, so the next
// login resumes at the following phase. Phases already terminal are never
// re-executed, which makes an interrupted run safe to resume.
//
// Prerequisite and configuration errors abort the run without asking. Any
// other phase failure asks the Prompter whether to continue; a run that
// continues past failures ends CompletedWithFailures and keeps its
// checkpoint.
//
// # Dry Run
//
// A dry run walks the same decisions with a gateway that acknowledges
// mutating verbs instead of performing them. It never prompts, continues
// through the reboot in-process, and writes nothing but logs.
package engine
