package allocator

import "github.com/labforge/labctl/internal/store"

// Request is a tagged union over the five allocation-request variants.
// Exactly one constructor below should be used to build one; the zero
// value is not a valid request.
type Request struct {
	kind requestKind

	lab     string
	flavor  string
	host    string
	vlanTag int
	public  *bool

	vpnProject string
	vpnUser    string
}

type requestKind int

const (
	kindHostByFlavor requestKind = iota
	kindSpecificHost
	kindVlanByCharacteristics
	kindSpecificVlan
	kindVpnAccess
)

// HostByFlavor requests any free host matching flavor in lab. Candidate
// ordering is a random shuffle, to avoid hot-spotting and give a weak
// fairness property.
func HostByFlavor(flavor, lab string) Request {
	return Request{kind: kindHostByFlavor, flavor: flavor, lab: lab}
}

// SpecificHost requests exactly the named host.
func SpecificHost(host, lab string) Request {
	return Request{kind: kindSpecificHost, host: host, lab: lab}
}

// VlanByCharacteristics requests any free VLAN in lab with the given
// public/private characteristic.
func VlanByCharacteristics(public bool, lab string) Request {
	return Request{kind: kindVlanByCharacteristics, public: &public, lab: lab}
}

// SpecificVlan requests exactly the VLAN with the given tag.
func SpecificVlan(tag int, lab string) Request {
	return Request{kind: kindSpecificVlan, vlanTag: tag, lab: lab}
}

// VpnAccess always succeeds: it mints a brand new VpnToken handle
// rather than selecting among existing ones. The "resource" is the
// token itself.
func VpnAccess(project, user, lab string) Request {
	return Request{kind: kindVpnAccess, vpnProject: project, vpnUser: user, lab: lab}
}

// filter converts the request into a store.Filter for the free<T>
// candidate query. VpnAccess has no filter form since it never selects
// among existing handles.
func (r Request) filter(except []store.HandleKey) store.Filter {
	f := store.Filter{Lab: r.lab, ExceptFor: except}
	switch r.kind {
	case kindHostByFlavor:
		f.Kind = store.KindHost
		f.Flavor = r.flavor
	case kindSpecificHost:
		f.Kind = store.KindHost
		f.Name = r.host
		f.Limit = 1
	case kindVlanByCharacteristics:
		if *r.public {
			f.Kind = store.KindPublicVlan
		} else {
			f.Kind = store.KindPrivateVlan
		}
		f.Public = r.public
	case kindSpecificVlan:
		f.Kind = store.KindAnyVlan
		f.VlanTag = &r.vlanTag
		f.Limit = 1
	}
	return f
}
