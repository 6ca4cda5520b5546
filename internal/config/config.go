// Package config loads the lab fleet's static description: which labs
// exist, whether each is "dynamic" (switches reconfigured per-deploy)
// or "static" (fixed wiring, switch-configuration stages skipped), and
// the external-service endpoints each lab's workflow talks to.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LabKind distinguishes a lab whose switches are reconfigured
// per-deploy from one with fixed wiring.
type LabKind string

const (
	LabDynamic LabKind = "dynamic"
	LabStatic  LabKind = "static"
)

// Lab describes one physical lab's fleet and the endpoints its
// workflow and coordinator talk to. MgmtVlan is the VLAN carrying the
// management/PXE network in a dynamic lab.
type Lab struct {
	Name             string   `yaml:"name"`
	Kind             LabKind  `yaml:"kind"`
	SwitchHosts      []string `yaml:"switch_hosts"`
	MgmtVlan         int      `yaml:"mgmt_vlan"`
	InstallerBaseURL string   `yaml:"installer_base_url"`
	IdentityBaseURL  string   `yaml:"identity_base_url"`
	MailboxBaseURL   string   `yaml:"mailbox_base_url"`
}

// Config is the top-level document: one entry per lab plus the
// process-wide credentials-service and database settings.
type Config struct {
	DatabasePath      string `yaml:"database_path"`
	CredentialsKeyEnv string `yaml:"credentials_key_env"`
	Labs              []Lab  `yaml:"labs"`
}

// Load reads and validates a Config from path.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if len(c.Labs) == 0 {
		return fmt.Errorf("at least one lab is required")
	}
	seen := map[string]bool{}
	for _, lab := range c.Labs {
		if lab.Name == "" {
			return fmt.Errorf("lab entry missing name")
		}
		if seen[lab.Name] {
			return fmt.Errorf("duplicate lab name %q", lab.Name)
		}
		seen[lab.Name] = true
		if lab.Kind != LabDynamic && lab.Kind != LabStatic {
			return fmt.Errorf("lab %q: kind must be %q or %q, got %q", lab.Name, LabDynamic, LabStatic, lab.Kind)
		}
		if lab.Kind == LabDynamic && len(lab.SwitchHosts) == 0 {
			return fmt.Errorf("lab %q: dynamic lab requires at least one switch host", lab.Name)
		}
		if lab.MgmtVlan < 0 || lab.MgmtVlan > 4094 {
			return fmt.Errorf("lab %q: mgmt_vlan must be within 1-4094 (or 0 for none), got %d", lab.Name, lab.MgmtVlan)
		}
		if lab.MailboxBaseURL == "" {
			return fmt.Errorf("lab %q: mailbox_base_url is required", lab.Name)
		}
	}
	return nil
}

// IsDynamic reports whether the named lab reconfigures switches
// per-deploy. Unknown lab names are treated as static: skipping switch
// configuration beats guessing at topology.
func (c Config) IsDynamic(labName string) bool {
	for _, lab := range c.Labs {
		if lab.Name == labName {
			return lab.Kind == LabDynamic
		}
	}
	return false
}

// Find returns the Lab entry named labName.
func (c Config) Find(labName string) (Lab, bool) {
	for _, lab := range c.Labs {
		if lab.Name == labName {
			return lab, true
		}
	}
	return Lab{}, false
}
