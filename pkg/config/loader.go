package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/hostmove/pkg/faults"
)

// Format identifies a configuration document syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatCUE  Format = "cue"
)

// FormatFromPath derives the document format from a file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".toml":
		return FormatTOML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", faults.Configuration(fmt.Sprintf("unsupported config file extension %q", filepath.Ext(path)), nil).
			WithCode(faults.CodeInvalidConfig)
	}
}

// Load reads, defaults, and validates the configuration at path.
func Load(path string) (*Config, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.Configuration(fmt.Sprintf("failed to read config %s", path), err).
			WithCode(faults.CodeInvalidConfig)
	}

	cfg, err := Parse(data, format, path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a configuration document. The filename is used in CUE
// error positions only.
func Parse(data []byte, format Format, filename string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("hostmove-schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	var doc cue.Value
	switch format {
	case FormatCUE:
		doc = ctx.CompileBytes(data, cue.Filename(filename))
	case FormatYAML, FormatJSON:
		raw := map[string]interface{}{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, invalid(filename, err)
		}
		doc = ctx.Encode(raw)
	case FormatTOML:
		raw := map[string]interface{}{}
		if err := toml.Unmarshal(data, &raw); err != nil {
			return nil, invalid(filename, err)
		}
		doc = ctx.Encode(raw)
	default:
		return nil, invalid(filename, fmt.Errorf("unknown format %q", format))
	}
	if err := doc.Err(); err != nil {
		return nil, invalid(filename, flatten(err))
	}

	unified := def.Unify(doc)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, invalid(filename, flatten(err))
	}

	cfg := &Config{}
	if err := unified.Decode(cfg); err != nil {
		return nil, invalid(filename, flatten(err))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate runs struct validation over the configuration.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		var msgs []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			msgs = append(msgs, err.Error())
		}
		return faults.Configuration("invalid configuration", fmt.Errorf("%s", strings.Join(msgs, "; "))).
			WithCode(faults.CodeInvalidConfig)
	}
	return nil
}

func invalid(filename string, err error) error {
	return faults.Configuration(fmt.Sprintf("invalid config %s", filename), err).
		WithCode(faults.CodeInvalidConfig)
}

// flatten collapses a CUE error list into one error with positions.
func flatten(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) <= 1 {
		return err
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
