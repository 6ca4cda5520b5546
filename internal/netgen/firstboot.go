package netgen

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/labforge/labctl/internal/store"
)

// VlanResolver resolves a concrete VLAN handle to its Vlan resource
// (tag + optional public IP configuration).
type VlanResolver func(store.HandleKey) (store.Vlan, error)

// Script is an ordered, idempotent sequence of host first-boot shell
// commands, plus the two mailbox phone-home URLs it must call.
type Script struct {
	Lines            []string
	PostBootURL      string
	PostProvisionURL string
}

// String renders the script as a shell document, one command per line.
func (s Script) String() string {
	return strings.Join(s.Lines, "\n") + "\n"
}

// GenerateFirstBootScript builds the first-boot script for one host:
// interfaces down, route flush, per-bondgroup bond/vlan-subinterface
// construction, two-phase network restart, then the
// post_boot/post_provision mailbox calls.
func GenerateFirstBootScript(hc store.HostConfig, assignments store.NetworkAssignmentMap, resolve VlanResolver, postBootURL, postProvisionURL string) (Script, error) {
	return generateFirstBootScript(hc, assignments, resolve, postBootURL, postProvisionURL, false)
}

// GenerateUbuntuFirstBootScript is GenerateFirstBootScript plus the
// network-manager package install the "ubuntu" distribution variant
// needs before the host goes dark on its installer-time network.
func GenerateUbuntuFirstBootScript(hc store.HostConfig, assignments store.NetworkAssignmentMap, resolve VlanResolver, postBootURL, postProvisionURL string) (Script, error) {
	return generateFirstBootScript(hc, assignments, resolve, postBootURL, postProvisionURL, true)
}

func generateFirstBootScript(hc store.HostConfig, assignments store.NetworkAssignmentMap, resolve VlanResolver, postBootURL, postProvisionURL string, ubuntu bool) (Script, error) {
	var lines []string

	if ubuntu {
		lines = append(lines, "DEBIAN_FRONTEND=noninteractive apt-get install -y network-manager")
	}

	// a. interfaces down, delete prior connection records.
	for _, bg := range hc.BondGroups {
		iface := bondPhysicalOrBondName(bg)
		lines = append(lines, fmt.Sprintf("ip link set %s down", iface))
		lines = append(lines, fmt.Sprintf("nmcli connection delete %s 2>/dev/null || true", iface))
	}

	// b. flush default route.
	lines = append(lines, "ip route flush default")

	// c. per-bondgroup construction.
	for _, bg := range hc.BondGroups {
		bgLines, err := bondgroupLines(bg, assignments, resolve)
		if err != nil {
			return Script{}, err
		}
		lines = append(lines, bgLines...)
	}

	defaultRoute, ok, err := SelectDefaultRouteBondgroup(hc.BondGroups, assignments, resolve)
	if err != nil {
		return Script{}, err
	}
	if ok {
		lines = append(lines, fmt.Sprintf("# default route carried by bondgroup %s", defaultRoute.ID))
	}

	// d. two-phase restart compensating for transient default-route
	// insertion by the network service on first start.
	lines = append(lines,
		"systemctl restart network",
		"sleep 5",
		"ip route flush default",
		"systemctl restart network",
	)
	if ok {
		lines = append(lines, reapplyDefaultRouteLine(defaultRoute, assignments, resolve))
	}

	// e. phone home.
	lines = append(lines, fmt.Sprintf("curl -fsS -X POST %q", postBootURL))
	lines = append(lines, fmt.Sprintf("curl -fsS -X POST %q", postProvisionURL))

	return Script{Lines: lines, PostBootURL: postBootURL, PostProvisionURL: postProvisionURL}, nil
}

func bondPhysicalOrBondName(bg store.BondGroup) string {
	if len(bg.MemberInterfaces) == 1 {
		return bg.MemberInterfaces[0]
	}
	return bondName(bg.ID)
}

func bondgroupLines(bg store.BondGroup, assignments store.NetworkAssignmentMap, resolve VlanResolver) ([]string, error) {
	var lines []string
	base := bondPhysicalOrBondName(bg)

	if len(bg.MemberInterfaces) > 1 {
		lines = append(lines, fmt.Sprintf("nmcli connection add type bond con-name %s ifname %s mode balance-rr", base, base))
		for _, member := range bg.MemberInterfaces {
			lines = append(lines, fmt.Sprintf("nmcli connection add type ethernet con-name %s-%s ifname %s master %s", base, member, member, base))
		}
	}

	for _, conn := range bg.ConnectsTo {
		handle, ok := assignments[conn.NetworkRef]
		if !ok {
			continue
		}
		vlan, err := resolve(handle)
		if err != nil {
			return nil, err
		}

		if !conn.Tagged {
			lines = append(lines, publicConfigLines(base, vlan.Public)...)
			continue
		}

		subIface := vlanSubInterfaceName(bg.ID, conn.NetworkRef, vlan.Tag)
		lines = append(lines, fmt.Sprintf("nmcli connection add type vlan con-name %s ifname %s dev %s id %d", subIface, subIface, base, vlan.Tag))
		lines = append(lines, publicConfigLines(subIface, vlan.Public)...)
	}

	return lines, nil
}

func publicConfigLines(iface string, cfg *store.PublicIPConfig) []string {
	if cfg == nil {
		return []string{fmt.Sprintf("nmcli connection modify %s ipv4.method disabled ipv6.method disabled", iface)}
	}
	if cfg.DHCP {
		return []string{fmt.Sprintf("nmcli connection modify %s ipv4.method auto", iface)}
	}
	// nmcli requires ipv4.addresses in CIDR form, so the dotted-quad
	// netmask is folded into a prefix length here.
	addr := cfg.SubnetV4
	if !strings.Contains(addr, "/") {
		addr = fmt.Sprintf("%s/%d", addr, prefixFromNetmask(cfg.NetmaskV4))
	}
	lines := []string{fmt.Sprintf("nmcli connection modify %s ipv4.method manual ipv4.addresses %s ipv4.gateway %s", iface, addr, cfg.GatewayV4)}
	if cfg.SubnetV6 != "" {
		lines = append(lines, fmt.Sprintf("nmcli connection modify %s ipv6.method manual ipv6.addresses %s/%d ipv6.gateway %s", iface, cfg.SubnetV6, cfg.PrefixV6, cfg.GatewayV6))
	}
	return lines
}

// prefixFromNetmask converts a dotted-quad netmask to its prefix
// length. An empty or unparsable netmask falls back to /24, the fleet's
// most common subnet size.
func prefixFromNetmask(netmask string) int {
	ip := net.ParseIP(netmask)
	if ip == nil {
		return 24
	}
	v4 := ip.To4()
	if v4 == nil {
		return 24
	}
	ones, bits := net.IPMask(v4).Size()
	if bits == 0 {
		return 24
	}
	return ones
}

func reapplyDefaultRouteLine(bg store.BondGroup, assignments store.NetworkAssignmentMap, resolve VlanResolver) string {
	return fmt.Sprintf("nmcli connection up %s", bondPhysicalOrBondName(bg))
}

// SelectDefaultRouteBondgroup picks the bondgroup that carries the
// default route: exactly one member interface and at least one untagged
// public attachment; ties broken lexicographically by bondgroup ID; no
// qualifying bondgroup means no default route.
func SelectDefaultRouteBondgroup(bgs []store.BondGroup, assignments store.NetworkAssignmentMap, resolve VlanResolver) (store.BondGroup, bool, error) {
	var candidates []store.BondGroup
	for _, bg := range bgs {
		if len(bg.MemberInterfaces) != 1 {
			continue
		}
		qualifies, err := hasUntaggedPublicAttachment(bg, assignments, resolve)
		if err != nil {
			return store.BondGroup{}, false, err
		}
		if qualifies {
			candidates = append(candidates, bg)
		}
	}
	if len(candidates) == 0 {
		return store.BondGroup{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0], true, nil
}

func hasUntaggedPublicAttachment(bg store.BondGroup, assignments store.NetworkAssignmentMap, resolve VlanResolver) (bool, error) {
	for _, conn := range bg.ConnectsTo {
		if conn.Tagged {
			continue
		}
		handle, ok := assignments[conn.NetworkRef]
		if !ok {
			continue
		}
		vlan, err := resolve(handle)
		if err != nil {
			return false, err
		}
		if vlan.Public != nil {
			return true, nil
		}
	}
	return false, nil
}
