package secrets

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/openfroyo/hostmove/pkg/faults"
)

// EnvPrefix marks a reference resolved from the environment.
const EnvPrefix = "env:"

// LookupFunc looks up an environment variable.
type LookupFunc func(key string) (string, bool)

// Resolver resolves secret references.
type Resolver struct {
	lookup  LookupFunc
	envFile string
	fileEnv map[string]string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEnvFile adds a dotenv file consulted after the process environment.
func WithEnvFile(path string) Option {
	return func(r *Resolver) {
		r.envFile = path
	}
}

// WithLookup replaces the process environment lookup.
func WithLookup(lookup LookupFunc) Option {
	return func(r *Resolver) {
		r.lookup = lookup
	}
}

// NewResolver creates a resolver. The dotenv file, if any, is read once.
func NewResolver(opts ...Option) (*Resolver, error) {
	r := &Resolver{lookup: os.LookupEnv}
	for _, opt := range opts {
		opt(r)
	}

	if r.envFile != "" {
		values, err := godotenv.Read(r.envFile)
		if err != nil {
			return nil, faults.Configuration(fmt.Sprintf("failed to read env file %s", r.envFile), err).
				WithCode(faults.CodeSecretUnresolved)
		}
		r.fileEnv = values
	}

	return r, nil
}

// Resolve turns a reference into a Secret.
func (r *Resolver) Resolve(ref string) (*Secret, error) {
	if ref == "" {
		return nil, faults.Configuration("secret reference is empty", nil).
			WithCode(faults.CodeSecretUnresolved)
	}

	if !strings.HasPrefix(ref, EnvPrefix) {
		return NewSecret("literal", []byte(ref)), nil
	}

	name := strings.TrimPrefix(ref, EnvPrefix)
	if name == "" {
		return nil, faults.Configuration(fmt.Sprintf("secret reference %q names no variable", ref), nil).
			WithCode(faults.CodeSecretUnresolved)
	}

	if value, ok := r.lookup(name); ok && value != "" {
		return NewSecret(ref, []byte(value)), nil
	}
	if value, ok := r.fileEnv[name]; ok && value != "" {
		return NewSecret(ref, []byte(value)), nil
	}

	return nil, faults.Configuration(fmt.Sprintf("environment variable %s is not set", name), nil).
		WithCode(faults.CodeSecretUnresolved).
		WithDetail("reference", ref)
}
