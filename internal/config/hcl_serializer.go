package config

import (
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclwrite"
)

// Encode renders the effective configuration as HCL, defaults included.
func Encode(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	gohcl.EncodeIntoBody(cfg, f.Body())
	return hclwrite.Format(f.Bytes())
}
