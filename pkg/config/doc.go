// Package config loads and validates hostmove configuration.
//
// # Overview
//
// A configuration document describes one migration: the principal being
// moved, the profile to back up, the safeguards checked before anything
// mutates, and the commands the host gateway runs for each capability.
// Documents are YAML, JSON, TOML, or CUE; the format follows the file
// extension.
//
// # Schema
//
// Every document is unified with a built-in CUE schema that supplies
// defaults and rejects unknown enum values. The decoded Config is then
// checked with validator/v10 for cross-field rules, for example a join
// timeout that must exceed its poll interval.
//
// # Usage Example
//
//	cfg, err := config.Load("/etc/hostmove/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.StatePath())
//
// A minimal document:
//
//	principal: alice
//	backup:
//	  root: /srv/backups
//	tempAccount:
//	  secretRef: env:HOSTMOVE_TEMP_PW
//
// # Error Handling
//
// Load returns configuration-class errors from the faults package with
// code INVALID_CONFIG. CUE errors keep their file positions.
package config
