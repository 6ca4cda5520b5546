// Package store is the resource store: a persistent mapping of
// resource handles to typed resources, plus the allocation bookkeeping
// the allocator writes through. Persistence goes through database/sql
// against modernc.org/sqlite, with one light repository per aggregate
// root and sentinel errors wrapped with entity context.
package store

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// HandleKey identifies a ResourceHandle — the allocator's unit of
// ownership. One HandleKey exists per physical resource, ever.
type HandleKey ulid.ULID

func (k HandleKey) String() string { return ulid.ULID(k).String() }

// IsZero reports whether k is the zero value (no handle).
func (k HandleKey) IsZero() bool { return k == HandleKey{} }

// AllocationKey identifies an Allocation row.
type AllocationKey ulid.ULID

func (k AllocationKey) String() string { return ulid.ULID(k).String() }

// AggregateKey identifies a booking (Aggregate).
type AggregateKey ulid.ULID

func (k AggregateKey) String() string { return ulid.ULID(k).String() }

func (k AggregateKey) IsZero() bool { return k == AggregateKey{} }

// InstanceKey identifies a host-slot within an Aggregate.
type InstanceKey ulid.ULID

func (k InstanceKey) String() string { return ulid.ULID(k).String() }

func (k InstanceKey) IsZero() bool { return k == InstanceKey{} }

// TemplateKey identifies a Template.
type TemplateKey ulid.ULID

func (k TemplateKey) String() string { return ulid.ULID(k).String() }

func (k TemplateKey) IsZero() bool { return k == TemplateKey{} }

// ResourceKind tags the variant a ResourceHandle tracks.
type ResourceKind string

const (
	KindHost        ResourceKind = "host"
	KindPrivateVlan ResourceKind = "private_vlan"
	KindPublicVlan  ResourceKind = "public_vlan"
	KindVpnToken    ResourceKind = "vpn_token"
)

// NewKey mints a fresh, time-sortable opaque identifier.
func NewKey() ulid.ULID { return ulid.Make() }

// Port is a host's physical network port: a MAC address wired to one
// upstream switch port.
type Port struct {
	Name           string // host-local interface name, e.g. "eth0"
	MAC            string
	SwitchHost     string // NX-API endpoint of the upstream switch
	SwitchPortName string // e.g. "Ethernet1/12"
}

// IPMIEndpoint carries the out-of-band management credentials for a host.
type IPMIEndpoint struct {
	FQDN     string
	Username string
	Password string // encrypted at rest via internal/credentials
}

// Host is the Resource variant for a physical machine.
type Host struct {
	Name   string
	IPMI   IPMIEndpoint
	Flavor string
	Ports  []Port
}

// PublicIPConfig describes a VLAN's routed address space, if any.
type PublicIPConfig struct {
	SubnetV4  string
	GatewayV4 string
	NetmaskV4 string
	SubnetV6  string
	GatewayV6 string
	PrefixV6  int
	DHCP      bool
}

// Vlan is the Resource variant for a private or public VLAN.
type Vlan struct {
	Tag    int // 12-bit VLAN tag, 1-4094
	Public *PublicIPConfig
}

// VpnToken is the Resource variant minted on demand by VpnAccess
// allocation requests; the token itself is the resource.
type VpnToken struct {
	Project string
	User    string
	Value   string
}

// Resource is a tagged union over the four trackable resource variants.
// Exactly one of the pointer fields is non-nil.
type Resource struct {
	Host     *Host
	Vlan     *Vlan
	VpnToken *VpnToken
}

func (r Resource) Kind() ResourceKind {
	switch {
	case r.Host != nil:
		return KindHost
	case r.Vlan != nil && r.Vlan.Public != nil:
		return KindPublicVlan
	case r.Vlan != nil:
		return KindPrivateVlan
	case r.VpnToken != nil:
		return KindVpnToken
	default:
		return ""
	}
}

// ResourceHandle is the allocator's pointer to a physical resource.
type ResourceHandle struct {
	ID  HandleKey
	Lab string
	Res Resource
}

// AllocationReason tags why an allocation was started or ended.
// ForMaintenance marks the synthetic aggregates quarantining suspect
// hardware.
type AllocationReason string

const (
	ReasonBooking        AllocationReason = "booking"
	ReasonForMaintenance AllocationReason = "maintenance"
)

// Allocation is a single ownership grant over a ResourceHandle.
// ended == nil means the allocation is live.
type Allocation struct {
	ID            AllocationKey
	ForResource   HandleKey
	ForAggregate  *AggregateKey
	Started       time.Time
	Ended         *time.Time
	ReasonStarted AllocationReason
	ReasonEnded   AllocationReason
}

func (a Allocation) Live() bool { return a.Ended == nil }

// LifeCycleState is an Aggregate's booking state.
type LifeCycleState string

const (
	StateNew    LifeCycleState = "new"
	StateActive LifeCycleState = "active"
	StateDone   LifeCycleState = "done"
)

// Sentiment tags a ProvisionLogEvent. The string values are load-bearing:
// downstream tooling pattern-matches on the literal column contents, so
// they are stored and compared verbatim, never normalized.
type Sentiment string

const (
	SentimentInProgress Sentiment = "InProgress"
	SentimentSucceeded  Sentiment = "Succeeded"
	SentimentDegraded   Sentiment = "Degraded"
	SentimentFailed     Sentiment = "Failed"
	SentimentUnknown    Sentiment = "Unknown"
)

// ProvisionLogEvent is an append-only record of one stage transition
// for one instance. Never mutated, never deleted.
type ProvisionLogEvent struct {
	ID        ulid.ULID
	Instance  InstanceKey
	Time      time.Time
	Event     string
	Detail    string
	Sentiment Sentiment
}

// VlanConnection binds a bondgroup to one logical network, tagged or not.
type VlanConnection struct {
	NetworkRef string
	Tagged     bool
}

// BondGroup is one connection in a host-slot's topology: a set of member
// interfaces fanned out to a set of VLAN attachments.
type BondGroup struct {
	ID               string // stable identifier used in interface naming
	MemberInterfaces []string
	ConnectsTo       []VlanConnection
}

// HostConfig is the effective per-instance network configuration,
// derived from a template host-slot.
type HostConfig struct {
	Hostname   string
	Flavor     string
	Image      string
	CIFiles    []string
	BondGroups []BondGroup
}

// TemplateHost is one host-slot in a Template.
type TemplateHost struct {
	Hostname    string
	Flavor      string
	Image       string
	CIFiles     []string
	Connections []BondGroup
}

// Template is a reusable topology: hosts + logical networks + their
// connections.
type Template struct {
	ID       TemplateKey
	Name     string
	Public   bool
	Networks []string // logical network names referenced by Connections
	Hosts    []TemplateHost
	Lab      string
}

// NetworkAssignmentMap binds each logical network name of a template to
// a concrete VLAN handle.
type NetworkAssignmentMap map[string]HandleKey

// Aggregate is a user-facing booking.
type Aggregate struct {
	ID            AggregateKey
	Users         []string
	Vlans         NetworkAssignmentMap
	Template      TemplateKey
	Metadata      map[string]string
	State         LifeCycleState
	Configuration map[string]string
	Lab           string
	Reason        AllocationReason
}

// Instance is one host-slot in an Aggregate after scheduling.
type Instance struct {
	ID         InstanceKey
	Aggregate  AggregateKey
	Hostname   string
	LinkedHost *HandleKey
	Vlans      NetworkAssignmentMap
	Config     HostConfig
}
