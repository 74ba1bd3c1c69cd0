// Package policy evaluates Rego policies over the preflight input.
//
// A policy is a Rego module whose package defines a deny set, a warn set,
// or both. Each set element is either a message string or an object with
// "message" and optional "remediation" keys. Deny findings block the
// migration; warn findings are reported only.
//
// The input document has the shape
//
//	{
//	    "config":   { ...migration configuration, JSON field names... },
//	    "snapshot": { "privileged": true, "free_bytes": 1234, ... },
//	    "dry_run":  false
//	}
//
// # Usage
//
//	engine, err := policy.NewEngine(ctx, logger)
//	if err != nil {
//	    return err
//	}
//	if err := engine.LoadPolicies(ctx, []string{"/etc/hostmove/policies"}); err != nil {
//	    return err
//	}
//	result := engine.Evaluate(ctx, input)
//
// # Built-in Policies
//
//   - backup-root-placement: the backup root must lie outside the profile
//   - temp-account: the temporary account must not be the principal
//   - recovery-export-placement: recovery material should leave the profile
//   - join-window: the join timeout should cover several polls
//
// # Writing Custom Policies
//
//	package site.hostmove
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.snapshot.membership.domain == "lab.example.com"
//	    msg := "lab hosts are migrated by the lab team"
//	}
package policy
