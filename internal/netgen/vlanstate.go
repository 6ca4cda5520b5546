// Package netgen turns a host's network topology into switch CLI
// commands and a host first-boot script, plus the cloud-init YAML
// document carrying the latter. Everything here is a pure function of
// its inputs: identical inputs produce byte-identical output.
package netgen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/labforge/labctl/internal/store"
)

// SwitchPortVlanState is the desired state of one upstream switch port.
type SwitchPortVlanState struct {
	kind   switchStateKind
	native int
	tagged []int
}

type switchStateKind int

const (
	stateDisabled switchStateKind = iota
	stateTagged
	stateNative
	stateTaggedAndNative
)

// Disabled marks a port administratively down.
func Disabled() SwitchPortVlanState { return SwitchPortVlanState{kind: stateDisabled} }

// Tagged marks a port as a trunk carrying the given VLANs, no native.
func Tagged(vlans ...int) SwitchPortVlanState {
	return SwitchPortVlanState{kind: stateTagged, tagged: sortedCopy(vlans)}
}

// Native marks a port as access/untagged for one VLAN.
func Native(vlan int) SwitchPortVlanState {
	return SwitchPortVlanState{kind: stateNative, native: vlan}
}

// TaggedAndNative marks a port as a trunk with both tagged VLANs and a
// native VLAN.
func TaggedAndNative(allowed []int, native int) SwitchPortVlanState {
	return SwitchPortVlanState{kind: stateTaggedAndNative, tagged: sortedCopy(allowed), native: native}
}

func sortedCopy(vlans []int) []int {
	out := append([]int(nil), vlans...)
	sort.Ints(out)
	return out
}

// CLILines lowers a SwitchPortVlanState to an ordered, idempotent
// sequence of NX-OS CLI lines for portName.
func (s SwitchPortVlanState) CLILines(portName string) []string {
	lines := []string{fmt.Sprintf("interface %s", portName)}
	switch s.kind {
	case stateDisabled:
		lines = append(lines, "shutdown", "switchport mode access", "no switchport access vlan")
	case stateTagged:
		lines = append(lines, "no shutdown", "switchport mode trunk", fmt.Sprintf("switchport trunk allowed vlan %s", joinVlans(s.tagged)), "no switchport trunk native vlan")
	case stateNative:
		lines = append(lines, "no shutdown", "switchport mode access", fmt.Sprintf("switchport access vlan %d", s.native))
	case stateTaggedAndNative:
		lines = append(lines, "no shutdown", "switchport mode trunk", fmt.Sprintf("switchport trunk allowed vlan %s", joinVlans(s.tagged)), fmt.Sprintf("switchport trunk native vlan %d", s.native))
	}
	return append(lines, "exit")
}

func joinVlans(vlans []int) string {
	parts := make([]string, len(vlans))
	for i, v := range vlans {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

// VerifyCommand returns the read-only CLI command used to confirm a
// port's applied state after lowering.
func VerifyCommand(portName string) string {
	return fmt.Sprintf("show running-config interface %s", portName)
}

// ParseRunningConfig reconstructs a SwitchPortVlanState from the
// interface stanza a switch reports back, so an applied state can be
// re-read and compared against the intended one. Device-added defaults
// and unrelated lines are ignored.
func ParseRunningConfig(lines []string) SwitchPortVlanState {
	var (
		shutdown  bool
		modeTrunk bool
		native    int
		tagged    []int
	)
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "shutdown":
			shutdown = true
		case line == "switchport mode trunk":
			modeTrunk = true
		case strings.HasPrefix(line, "switchport access vlan "):
			fmt.Sscanf(line, "switchport access vlan %d", &native)
		case strings.HasPrefix(line, "switchport trunk native vlan "):
			fmt.Sscanf(line, "switchport trunk native vlan %d", &native)
		case strings.HasPrefix(line, "switchport trunk allowed vlan "):
			for _, part := range strings.Split(strings.TrimPrefix(line, "switchport trunk allowed vlan "), ",") {
				var v int
				if _, err := fmt.Sscanf(strings.TrimSpace(part), "%d", &v); err == nil {
					tagged = append(tagged, v)
				}
			}
		}
	}

	switch {
	case shutdown:
		return Disabled()
	case modeTrunk && native > 0:
		return TaggedAndNative(tagged, native)
	case modeTrunk:
		return Tagged(tagged...)
	default:
		return Native(native)
	}
}

// Equal reports whether two states are semantically the same port
// configuration.
func (s SwitchPortVlanState) Equal(other SwitchPortVlanState) bool {
	if s.kind != other.kind || s.native != other.native || len(s.tagged) != len(other.tagged) {
		return false
	}
	for i := range s.tagged {
		if s.tagged[i] != other.tagged[i] {
			return false
		}
	}
	return true
}

// PortStateFor derives a SwitchPortVlanState for one port given the
// bondgroup it belongs to and the aggregate's network assignment map.
func PortStateFor(bg store.BondGroup, assignments store.NetworkAssignmentMap, vlanTag func(store.HandleKey) int) SwitchPortVlanState {
	var nativeVlan int
	var taggedVlans []int
	hasNative := false

	for _, conn := range bg.ConnectsTo {
		handle, ok := assignments[conn.NetworkRef]
		if !ok {
			continue
		}
		vlan := vlanTag(handle)
		if conn.Tagged {
			taggedVlans = append(taggedVlans, vlan)
		} else {
			nativeVlan = vlan
			hasNative = true
		}
	}

	switch {
	case hasNative && len(taggedVlans) > 0:
		return TaggedAndNative(taggedVlans, nativeVlan)
	case hasNative:
		return Native(nativeVlan)
	case len(taggedVlans) > 0:
		return Tagged(taggedVlans...)
	default:
		return Disabled()
	}
}
