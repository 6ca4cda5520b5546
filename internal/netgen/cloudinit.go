package netgen

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// CloudConfig is the subset of cloud-init's user-data document labctl
// emits: the first-boot script plus per-host SSH/user bootstrap.
type CloudConfig struct {
	Hostname   string            `yaml:"hostname"`
	Users      []string          `yaml:"users,omitempty"`
	WriteFiles []CloudConfigFile `yaml:"write_files,omitempty"`
	RunCmd     []string          `yaml:"runcmd"`
}

// CloudConfigFile mirrors cloud-init's write_files entry shape.
type CloudConfigFile struct {
	Path        string `yaml:"path"`
	Content     string `yaml:"content"`
	Permissions string `yaml:"permissions,omitempty"`
}

// RenderCloudConfig serializes cfg as a cloud-init document: a leading
// "#cloud-config" line followed by the YAML body.
func RenderCloudConfig(cfg CloudConfig) (string, error) {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("netgen: marshaling cloud-config: %w", err)
	}
	return "#cloud-config\n" + string(body), nil
}

// BuildCloudConfig wraps a first-boot Script into a CloudConfig that
// runs it via runcmd, per instance hostname.
func BuildCloudConfig(hostname string, script Script) CloudConfig {
	return CloudConfig{
		Hostname: hostname,
		WriteFiles: []CloudConfigFile{
			{Path: "/usr/local/sbin/labctl-first-boot.sh", Content: script.String(), Permissions: "0755"},
		},
		RunCmd: []string{"/usr/local/sbin/labctl-first-boot.sh"},
	}
}
