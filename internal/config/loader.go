package config

import (
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"grimm.is/vrouter/internal/brand"
	"grimm.is/vrouter/internal/errors"
)

// Load reads the configuration from path, or from the brand default when
// path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = brand.GetConfigPath()
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Default(), nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "failed to read config file %s", path)
	}
	return LoadHCL(data, path)
}

// LoadHCL parses, defaults and validates HCL configuration bytes.
func LoadHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "HCL parse error")
	}

	cfg := &Config{}
	if diags := gohcl.DecodeBody(file.Body, evalContext(os.Environ()), cfg); diags.HasErrors() {
		return nil, errors.Wrap(diags, errors.KindValidation, "HCL decode error")
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// evalContext exposes the process environment as env.NAME.
func evalContext(environ []string) *hcl.EvalContext {
	vars := make(map[string]cty.Value, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" || !hclIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
	}
}

func hclIdentifier(s string) bool {
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}
