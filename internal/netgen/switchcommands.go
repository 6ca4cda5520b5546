package netgen

import (
	"github.com/labforge/labctl/internal/store"
)

// PortCommand pairs one physical switch port with the CLI lines that
// apply its desired SwitchPortVlanState, plus the read-only command
// that verifies it.
type PortCommand struct {
	SwitchHost string
	PortName   string
	State      SwitchPortVlanState
	Apply      []string
	Verify     string
}

// GenerateSwitchCommands lowers a host's full port topology to one
// PortCommand per physical port. Ports that belong to no bondgroup are
// administratively disabled.
func GenerateSwitchCommands(ports []store.Port, bondGroupForPort func(store.Port) (store.BondGroup, bool), assignments store.NetworkAssignmentMap, vlanTag func(store.HandleKey) int) []PortCommand {
	var out []PortCommand
	for _, port := range ports {
		bg, ok := bondGroupForPort(port)
		var state SwitchPortVlanState
		if ok {
			state = PortStateFor(bg, assignments, vlanTag)
		} else {
			state = Disabled()
		}
		out = append(out, PortCommand{
			SwitchHost: port.SwitchHost,
			PortName:   port.SwitchPortName,
			State:      state,
			Apply:      state.CLILines(port.SwitchPortName),
			Verify:     VerifyCommand(port.SwitchPortName),
		})
	}
	return out
}
