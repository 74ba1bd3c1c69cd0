package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		backupRootPlacementPolicy(),
		tempAccountPolicy(),
		recoveryExportPolicy(),
		joinWindowPolicy(),
	}
}

// backupRootPlacementPolicy keeps the backup from recursing into itself.
func backupRootPlacementPolicy() Policy {
	return Policy{
		Name:        "backup-root-placement",
		Description: "Backup root must lie outside the profile directory",
		Enabled:     true,
		Rego: `package hostmove.policies.backup

import rego.v1

within(child, parent) if {
	child == parent
}

within(child, parent) if {
	startswith(child, concat("", [parent, "/"]))
}

deny contains violation if {
	root := trim_right(input.config.backup.root, "/")
	profile := trim_right(input.config.profileDir, "/")
	within(root, profile)
	violation := {
		"message": sprintf("backup root %s lies inside profile directory %s", [root, profile]),
		"remediation": "point backup.root at a location outside the profile, such as another volume",
	}
}

warn contains violation if {
	not startswith(input.config.backup.root, "/")
	violation := {
		"message": sprintf("backup root %s is a relative path", [input.config.backup.root]),
		"remediation": "use an absolute backup.root",
	}
}`,
	}
}

// tempAccountPolicy guards the temporary administrator settings.
func tempAccountPolicy() Policy {
	return Policy{
		Name:        "temp-account",
		Description: "Temporary account must be distinct from the principal",
		Enabled:     true,
		Rego: `package hostmove.policies.account

import rego.v1

deny contains violation if {
	input.config.tempAccount.enabled
	input.config.domainLeave.enabled
	lower(input.config.tempAccount.name) == lower(input.config.principal)
	violation := {
		"message": sprintf("temporary account %s is the migrated principal", [input.config.tempAccount.name]),
		"remediation": "choose a dedicated tempAccount.name",
	}
}

warn contains violation if {
	input.config.tempAccount.enabled
	input.config.domainLeave.enabled
	ref := input.config.tempAccount.secretRef
	ref != ""
	not startswith(ref, "env:")
	violation := {
		"message": "temporary account secret is stored in the configuration file",
		"remediation": "use an env:<NAME> reference",
	}
}`,
	}
}

// recoveryExportPolicy warns when recovery material would stay with the
// profile it protects.
func recoveryExportPolicy() Policy {
	return Policy{
		Name:        "recovery-export-placement",
		Description: "Recovery artifacts should not be written inside the profile",
		Enabled:     true,
		Rego: `package hostmove.policies.recovery

import rego.v1

warn contains violation if {
	input.config.recoveryExport.enabled
	dir := trim_right(input.config.recoveryExport.directory, "/")
	profile := trim_right(input.config.profileDir, "/")
	startswith(concat("", [dir, "/"]), concat("", [profile, "/"]))
	violation := {
		"message": sprintf("recovery export directory %s lies inside the profile", [dir]),
		"remediation": "export recovery artifacts to removable or network storage",
	}
}`,
	}
}

// joinWindowPolicy warns when the join ceiling leaves room for few polls.
func joinWindowPolicy() Policy {
	return Policy{
		Name:        "join-window",
		Description: "Join timeout should allow several status polls",
		Enabled:     true,
		Rego: `package hostmove.policies.join

import rego.v1

warn contains violation if {
	input.config.join.timeoutSeconds < 4 * input.config.join.pollIntervalSeconds
	violation := {
		"message": sprintf("join timeout of %ds allows fewer than four status polls", [input.config.join.timeoutSeconds]),
		"remediation": "raise join.timeoutSeconds or lower join.pollIntervalSeconds",
	}
}`,
	}
}
