package netgen

import (
	"strings"
	"testing"

	"github.com/labforge/labctl/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateDeterministic_ShortNamesPassThrough(t *testing.T) {
	assert.Equal(t, "bond-a1", bondName("a1"))
}

func TestTruncateDeterministic_LongNamesStayWithinIFNAMSIZAndAreStable(t *testing.T) {
	name := vlanSubInterfaceName("bondgroup-with-a-very-long-id", "network-with-a-long-name", 4094)
	assert.LessOrEqual(t, len(name), maxInterfaceName)

	again := vlanSubInterfaceName("bondgroup-with-a-very-long-id", "network-with-a-long-name", 4094)
	assert.Equal(t, name, again, "truncation must be deterministic so repeated runs agree on the interface name")

	other := vlanSubInterfaceName("bondgroup-with-a-very-different-id", "network-with-a-long-name", 4094)
	assert.NotEqual(t, name, other, "distinct long names must not collide after truncation")
}

func TestSwitchPortVlanState_CLILines(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		lines := Disabled().CLILines("Ethernet1/1")
		assert.Equal(t, []string{"interface Ethernet1/1", "shutdown", "switchport mode access", "no switchport access vlan", "exit"}, lines)
	})

	t.Run("native", func(t *testing.T) {
		lines := Native(100).CLILines("Ethernet1/1")
		assert.Contains(t, lines, "switchport access vlan 100")
	})

	t.Run("tagged", func(t *testing.T) {
		lines := Tagged(30, 10, 20).CLILines("Ethernet1/1")
		assert.Contains(t, lines, "switchport trunk allowed vlan 10,20,30", "tagged vlans must render sorted")
	})

	t.Run("tagged and native", func(t *testing.T) {
		lines := TaggedAndNative([]int{20, 10}, 5).CLILines("Ethernet1/1")
		assert.Contains(t, lines, "switchport trunk allowed vlan 10,20")
		assert.Contains(t, lines, "switchport trunk native vlan 5")
	})
}

func TestVerifyCommand(t *testing.T) {
	assert.Equal(t, "show running-config interface Ethernet1/1", VerifyCommand("Ethernet1/1"))
}

func TestParseRunningConfig_RoundTripsEveryState(t *testing.T) {
	states := map[string]SwitchPortVlanState{
		"disabled":          Disabled(),
		"native":            Native(100),
		"tagged":            Tagged(10, 20, 30),
		"tagged and native": TaggedAndNative([]int{10, 20}, 5),
	}
	for name, want := range states {
		t.Run(name, func(t *testing.T) {
			got := ParseRunningConfig(want.CLILines("Ethernet1/1"))
			assert.True(t, got.Equal(want), "parsing the applied lines must reconstruct the same state")
		})
	}
}

func TestParseRunningConfig_IgnoresDeviceAddedDefaults(t *testing.T) {
	lines := []string{
		"interface Ethernet1/1",
		"  description uplink", // device noise
		"  no shutdown",
		"  switchport mode trunk",
		"  switchport trunk allowed vlan 10,20",
		"  switchport trunk native vlan 5",
		"  spanning-tree port type edge trunk", // device noise
	}
	got := ParseRunningConfig(lines)
	assert.True(t, got.Equal(TaggedAndNative([]int{10, 20}, 5)))
}

func TestPortStateFor(t *testing.T) {
	privateTag, publicTag := 10, 20
	resolver := func(h store.HandleKey) int {
		if h == privateHandle {
			return privateTag
		}
		return publicTag
	}

	bg := store.BondGroup{
		ID: "bg1",
		ConnectsTo: []store.VlanConnection{
			{NetworkRef: "private", Tagged: true},
			{NetworkRef: "public", Tagged: false},
		},
	}
	assignments := store.NetworkAssignmentMap{
		"private": privateHandle,
		"public":  publicHandle,
	}

	state := PortStateFor(bg, assignments, resolver)
	lines := state.CLILines("Ethernet1/1")
	assert.Contains(t, lines, "switchport trunk allowed vlan 10")
	assert.Contains(t, lines, "switchport trunk native vlan 20")
}

var (
	privateHandle = store.HandleKey(store.NewKey())
	publicHandle  = store.HandleKey(store.NewKey())
)

func TestGenerateFirstBootScript_PlainVariantHasNoNetworkManagerInstall(t *testing.T) {
	hc := simpleHostConfig()
	script, err := GenerateFirstBootScript(hc, simpleAssignments(), simpleResolver, "https://mb/post-boot", "https://mb/post-provision")
	require.NoError(t, err)

	assert.NotContains(t, script.String(), "network-manager")
	assert.Contains(t, script.String(), `curl -fsS -X POST "https://mb/post-boot"`)
	assert.Contains(t, script.String(), `curl -fsS -X POST "https://mb/post-provision"`)
}

func TestGenerateFirstBootScript_StaticV4AddressIsCIDR(t *testing.T) {
	hc := simpleHostConfig()
	static := func(h store.HandleKey) (store.Vlan, error) {
		return store.Vlan{Tag: 20, Public: &store.PublicIPConfig{
			SubnetV4:  "192.0.2.10",
			GatewayV4: "192.0.2.1",
			NetmaskV4: "255.255.255.0",
			SubnetV6:  "2001:db8::10",
			GatewayV6: "2001:db8::1",
			PrefixV6:  64,
		}}, nil
	}

	script, err := GenerateFirstBootScript(hc, simpleAssignments(), static, "https://mb/post-boot", "https://mb/post-provision")
	require.NoError(t, err)

	assert.Contains(t, script.String(), "ipv4.method manual ipv4.addresses 192.0.2.10/24 ipv4.gateway 192.0.2.1",
		"the dotted-quad netmask must be folded into a CIDR suffix")
	assert.Contains(t, script.String(), "ipv6.method manual ipv6.addresses 2001:db8::10/64 ipv6.gateway 2001:db8::1")
}

func TestPrefixFromNetmask(t *testing.T) {
	cases := map[string]int{
		"255.255.255.0":   24,
		"255.255.254.0":   23,
		"255.255.255.255": 32,
		"255.0.0.0":       8,
		"":                24,
		"not-a-netmask":   24,
	}
	for netmask, want := range cases {
		assert.Equal(t, want, prefixFromNetmask(netmask), netmask)
	}
}

func TestGenerateUbuntuFirstBootScript_InstallsNetworkManagerFirst(t *testing.T) {
	hc := simpleHostConfig()
	script, err := GenerateUbuntuFirstBootScript(hc, simpleAssignments(), simpleResolver, "https://mb/post-boot", "https://mb/post-provision")
	require.NoError(t, err)

	require.NotEmpty(t, script.Lines)
	assert.Equal(t, "DEBIAN_FRONTEND=noninteractive apt-get install -y network-manager", script.Lines[0],
		"the distro must gain network-manager before the script tears down its installer-time network")
}

func TestSelectDefaultRouteBondgroup_PrefersSingleMemberUntaggedPublic(t *testing.T) {
	bgs := []store.BondGroup{
		{ID: "bg-bond", MemberInterfaces: []string{"eth0", "eth1"}, ConnectsTo: []store.VlanConnection{{NetworkRef: "public", Tagged: false}}},
		{ID: "bg-single", MemberInterfaces: []string{"eth2"}, ConnectsTo: []store.VlanConnection{{NetworkRef: "public", Tagged: false}}},
	}
	assignments := store.NetworkAssignmentMap{"public": publicHandle}
	resolve := func(h store.HandleKey) (store.Vlan, error) {
		return store.Vlan{Tag: 20, Public: &store.PublicIPConfig{DHCP: true}}, nil
	}

	chosen, ok, err := SelectDefaultRouteBondgroup(bgs, assignments, resolve)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "bg-single", chosen.ID, "the bonded (multi-member) group never carries the default route")
}

func TestSelectDefaultRouteBondgroup_NoneQualifies(t *testing.T) {
	bgs := []store.BondGroup{
		{ID: "bg1", MemberInterfaces: []string{"eth0"}, ConnectsTo: []store.VlanConnection{{NetworkRef: "private", Tagged: true}}},
	}
	assignments := store.NetworkAssignmentMap{"private": privateHandle}
	resolve := func(h store.HandleKey) (store.Vlan, error) { return store.Vlan{Tag: 10}, nil }

	_, ok, err := SelectDefaultRouteBondgroup(bgs, assignments, resolve)
	require.NoError(t, err)
	assert.False(t, ok)
}

func simpleHostConfig() store.HostConfig {
	return store.HostConfig{
		Hostname: "host-a",
		BondGroups: []store.BondGroup{
			{ID: "bg1", MemberInterfaces: []string{"eth0"}, ConnectsTo: []store.VlanConnection{
				{NetworkRef: "public", Tagged: false},
			}},
		},
	}
}

func simpleAssignments() store.NetworkAssignmentMap {
	return store.NetworkAssignmentMap{"public": publicHandle}
}

func simpleResolver(h store.HandleKey) (store.Vlan, error) {
	return store.Vlan{Tag: 20, Public: &store.PublicIPConfig{DHCP: true}}, nil
}

func TestBuildAndRenderCloudConfig(t *testing.T) {
	script := Script{Lines: []string{"echo hi"}}
	cfg := BuildCloudConfig("host-a", script)
	assert.Equal(t, "host-a", cfg.Hostname)
	require.Len(t, cfg.WriteFiles, 1)
	assert.Equal(t, "echo hi\n", cfg.WriteFiles[0].Content)

	rendered, err := RenderCloudConfig(cfg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(rendered, "#cloud-config\n"))
	assert.Contains(t, rendered, "labctl-first-boot.sh")
}
