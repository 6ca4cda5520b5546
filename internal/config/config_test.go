package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `
database_path: /var/lib/labctl/labctl.db
labs:
  - name: lab1
    kind: dynamic
    switch_hosts: [sw1.lab1.internal]
    mgmt_vlan: 99
    installer_base_url: http://cobbler.lab1.internal
    mailbox_base_url: http://labctl.lab1.internal:8443
  - name: lab2
    kind: static
    mailbox_base_url: http://labctl.lab2.internal:8443
`

func TestLoad_Valid(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Labs, 2)
	assert.Equal(t, "/var/lib/labctl/labctl.db", cfg.DatabasePath)
	assert.Equal(t, 99, cfg.Labs[0].MgmtVlan)
	assert.True(t, cfg.IsDynamic("lab1"))
	assert.False(t, cfg.IsDynamic("lab2"))
	assert.False(t, cfg.IsDynamic("no-such-lab"), "unknown labs are treated as static")

	lab, ok := cfg.Find("lab2")
	require.True(t, ok)
	assert.Equal(t, LabStatic, lab.Kind)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"missing database path": `
labs:
  - name: lab1
    kind: static
    mailbox_base_url: http://mb
`,
		"no labs": `
database_path: /tmp/labctl.db
labs: []
`,
		"bad kind": `
database_path: /tmp/labctl.db
labs:
  - name: lab1
    kind: elastic
    mailbox_base_url: http://mb
`,
		"duplicate lab name": `
database_path: /tmp/labctl.db
labs:
  - name: lab1
    kind: static
    mailbox_base_url: http://mb
  - name: lab1
    kind: static
    mailbox_base_url: http://mb
`,
		"dynamic lab without switches": `
database_path: /tmp/labctl.db
labs:
  - name: lab1
    kind: dynamic
    mailbox_base_url: http://mb
`,
		"mgmt vlan out of range": `
database_path: /tmp/labctl.db
labs:
  - name: lab1
    kind: dynamic
    switch_hosts: [sw1]
    mgmt_vlan: 5000
    mailbox_base_url: http://mb
`,
		"missing mailbox url": `
database_path: /tmp/labctl.db
labs:
  - name: lab1
    kind: static
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
