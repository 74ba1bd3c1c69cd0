package preflight

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/openfroyo/hostmove/pkg/config"
)

// checkFunc evaluates one safeguard from the snapshot.
type checkFunc func(cfg *config.Config, snap *Snapshot) Check

// builtinChecks lists the safeguards in report order.
var builtinChecks = []checkFunc{
	checkPrivilege,
	checkDiskSpace,
	checkACPower,
	checkNetwork,
	checkSourceMembership,
}

func checkPrivilege(_ *config.Config, snap *Snapshot) Check {
	c := Check{Name: CheckPrivilege}
	switch {
	case snap.ProbeErrors[CheckPrivilege] != "":
		c.Outcome = OutcomeFail
		c.Message = "could not determine privilege level: " + snap.ProbeErrors[CheckPrivilege]
	case !snap.Privileged:
		c.Outcome = OutcomeFail
		c.Message = "administrative privileges are required"
		c.Remediation = "run hostmove as root"
	default:
		c.Outcome = OutcomePass
		c.Message = "running with administrative privileges"
	}
	return c
}

func checkDiskSpace(cfg *config.Config, snap *Snapshot) Check {
	c := Check{Name: CheckDiskSpace}
	required := cfg.MinFreeDiskBytes()

	switch {
	case snap.ProbeErrors[CheckDiskSpace] != "":
		c.Outcome = OutcomeFail
		c.Message = fmt.Sprintf("could not determine free disk space on %s: %s", snap.Volume, snap.ProbeErrors[CheckDiskSpace])
	case snap.FreeBytes < required:
		c.Outcome = OutcomeFail
		c.Message = fmt.Sprintf("insufficient disk space on %s: %s free, %d GB required",
			snap.Volume, humanize.IBytes(snap.FreeBytes), cfg.Safeguards.MinFreeDiskGB)
		c.Remediation = "free space on the backup volume or lower safeguards.minFreeDiskGB"
	default:
		c.Outcome = OutcomePass
		c.Message = fmt.Sprintf("%s free on %s", humanize.IBytes(snap.FreeBytes), snap.Volume)
	}
	return c
}

func checkACPower(cfg *config.Config, snap *Snapshot) Check {
	c := Check{Name: CheckACPower}
	switch {
	case cfg.Safeguards.ACPower == config.SeverityOff:
		c.Outcome = OutcomePass
		c.Message = "not required by configuration"
	case snap.ProbeErrors[CheckACPower] != "":
		c.Outcome = severityOutcome(cfg.Safeguards.ACPower)
		c.Message = "could not determine power source: " + snap.ProbeErrors[CheckACPower]
	case !snap.OnACPower:
		c.Outcome = severityOutcome(cfg.Safeguards.ACPower)
		c.Message = "host is running on battery power"
		c.Remediation = "connect the host to AC power"
	default:
		c.Outcome = OutcomePass
		c.Message = "host is on AC power"
	}
	return c
}

func checkNetwork(cfg *config.Config, snap *Snapshot) Check {
	c := Check{Name: CheckNetwork}
	switch {
	case cfg.Safeguards.Network == config.SeverityOff:
		c.Outcome = OutcomePass
		c.Message = "not required by configuration"
	case snap.ProbeErrors[CheckNetwork] != "":
		c.Outcome = severityOutcome(cfg.Safeguards.Network)
		c.Message = fmt.Sprintf("could not probe %s: %s", snap.NetworkProbe, snap.ProbeErrors[CheckNetwork])
	case !snap.NetworkReachable:
		c.Outcome = severityOutcome(cfg.Safeguards.Network)
		c.Message = fmt.Sprintf("%s is not reachable", snap.NetworkProbe)
		c.Remediation = "connect the host to a network that reaches the target directory"
	default:
		c.Outcome = OutcomePass
		c.Message = fmt.Sprintf("%s is reachable", snap.NetworkProbe)
	}
	return c
}

// checkSourceMembership warns when there is nothing to leave. The leave
// phase passes through in that case, so it never fails preflight.
func checkSourceMembership(_ *config.Config, snap *Snapshot) Check {
	c := Check{Name: CheckSourceMembership}
	switch {
	case snap.ProbeErrors[CheckSourceMembership] != "":
		c.Outcome = OutcomeWarn
		c.Message = "could not determine source directory membership: " + snap.ProbeErrors[CheckSourceMembership]
	case !snap.Membership.Joined:
		c.Outcome = OutcomeWarn
		c.Message = "host is not joined to a source directory; the leave phase will pass through"
	default:
		c.Outcome = OutcomePass
		c.Message = "joined to " + snap.Membership.Domain
	}
	return c
}

func severityOutcome(s config.Severity) Outcome {
	if s == config.SeverityFail {
		return OutcomeFail
	}
	return OutcomeWarn
}
