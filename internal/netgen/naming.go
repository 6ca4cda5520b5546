package netgen

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// maxInterfaceName is the Linux IFNAMSIZ-derived limit every generated
// interface name must respect.
const maxInterfaceName = 15

// bondName is the deterministic interface name for a bondgroup's base
// connection (untagged use, or the bond/physical device VLAN
// sub-interfaces stack on top of).
func bondName(bondgroupID string) string {
	return truncateDeterministic(fmt.Sprintf("bond-%s", bondgroupID))
}

// vlanSubInterfaceName is the deterministic interface name for a
// tagged attachment: a function of (bondgroup, network, vlan-id) so
// operator tooling can correlate names.
func vlanSubInterfaceName(bondgroupID, networkName string, vlanID int) string {
	return truncateDeterministic(fmt.Sprintf("%s.%s.%d", bondgroupID, networkName, vlanID))
}

// truncateDeterministic shortens name to maxInterfaceName characters,
// replacing the tail with a short stable hash so distinct long names
// never collide after truncation.
func truncateDeterministic(name string) string {
	if len(name) <= maxInterfaceName {
		return name
	}
	sum := sha1.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:6]
	keep := maxInterfaceName - len(suffix) - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(name) {
		keep = len(name)
	}
	return name[:keep] + "-" + suffix
}
