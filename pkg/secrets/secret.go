// Package secrets resolves secret references from configuration and keeps
// resolved values in locked memory.
//
// A reference is either a literal value or "env:<NAME>", which is looked up in
// the process environment and then in an optional dotenv file. Resolution
// failures are configuration errors and are surfaced before any mutating
// phase runs.
package secrets

import (
	"fmt"

	"github.com/awnumar/memguard"
)

// Secret is a resolved secret value held in an encrypted enclave.
// The zero value is an empty secret.
type Secret struct {
	ref     string
	enclave *memguard.Enclave
}

// NewSecret seals value into a Secret. The value slice is wiped.
func NewSecret(ref string, value []byte) *Secret {
	s := &Secret{ref: ref}
	if len(value) > 0 {
		s.enclave = memguard.NewEnclave(value)
	}
	return s
}

// Ref returns the reference the secret was resolved from. Literal
// references are reported as "literal".
func (s *Secret) Ref() string {
	if s == nil {
		return ""
	}
	return s.ref
}

// Empty reports whether the secret holds no value.
func (s *Secret) Empty() bool {
	return s == nil || s.enclave == nil
}

// Reveal opens the secret for the duration of fn. The buffer passed to fn
// is destroyed when fn returns and must not be retained.
func (s *Secret) Reveal(fn func(value []byte) error) error {
	if s.Empty() {
		return fn(nil)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open secret %s: %w", s.ref, err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// String never prints the value.
func (s *Secret) String() string {
	if s.Empty() {
		return "<empty>"
	}
	return "<redacted>"
}
