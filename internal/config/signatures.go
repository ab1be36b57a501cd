package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// signatureCatalog is the YAML document crash.signatures_file points at.
// It carries the same two lists the inline TOML sections do.
type signatureCatalog struct {
	TerminalErrorSignatures []SignatureEntry     `yaml:"terminal_error_signatures"`
	RoleSignatures          []RoleSignatureEntry `yaml:"role_signatures"`
}

// mergeSignatureCatalog loads the external catalog and prepends its entries
// to the inline ones, so catalog entries match first.
func (c *Config) mergeSignatureCatalog() error {
	data, err := os.ReadFile(c.Crash.SignaturesFile)
	if err != nil {
		return fmt.Errorf("reading signature catalog %s: %w", c.Crash.SignaturesFile, err)
	}

	var catalog signatureCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("parsing signature catalog %s: %w", c.Crash.SignaturesFile, err)
	}

	c.Crash.TerminalErrorSignatures = append(catalog.TerminalErrorSignatures, c.Crash.TerminalErrorSignatures...)
	c.Crash.RoleSignatures = append(catalog.RoleSignatures, c.Crash.RoleSignatures...)
	return nil
}
