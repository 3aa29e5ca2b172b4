// Package model holds the wire-agnostic data model shared by the spatial
// store, the node engine and the protocol layer: locations, endpoints,
// node identities and the relation/role bookkeeping that turns a plain
// NodeInfo into a spatial-store entry.
package model

import (
	"fmt"
	"net"
	"strconv"
)

// GpsLocation is a point on Earth's surface.
//
// Latitude must be in (-90, 90] and longitude in (-180, 180]; values
// outside that range are rejected by NewGpsLocation.
type GpsLocation struct {
	Latitude  float64
	Longitude float64
}

// NewGpsLocation validates and constructs a GpsLocation.
func NewGpsLocation(latitude, longitude float64) (GpsLocation, error) {
	loc := GpsLocation{Latitude: latitude, Longitude: longitude}
	if err := loc.Validate(); err != nil {
		return GpsLocation{}, err
	}
	return loc, nil
}

// Validate reports whether the coordinates are within range.
func (l GpsLocation) Validate() error {
	if l.Latitude <= -90 || l.Latitude > 90 {
		return fmt.Errorf("%w: latitude %f out of range (-90, 90]", ErrInvalidValue, l.Latitude)
	}
	if l.Longitude <= -180 || l.Longitude > 180 {
		return fmt.Errorf("%w: longitude %f out of range (-180, 180]", ErrInvalidValue, l.Longitude)
	}
	return nil
}

// AddressFamily identifies whether a NetworkEndpoint carries an IPv4 or
// IPv6 literal.
type AddressFamily uint8

const (
	AddressFamilyUnknown AddressFamily = iota
	AddressFamilyIPv4
	AddressFamilyIPv6
)

// NetworkEndpoint is a reachable (address, port) pair.
type NetworkEndpoint struct {
	Address string
	Port    int
}

// NewNetworkEndpoint validates and constructs a NetworkEndpoint.
func NewNetworkEndpoint(address string, port int) (NetworkEndpoint, error) {
	ep := NetworkEndpoint{Address: address, Port: port}
	if err := ep.Validate(); err != nil {
		return NetworkEndpoint{}, err
	}
	return ep, nil
}

// Validate reports whether the endpoint's address parses and the port
// is within the valid TCP range.
func (e NetworkEndpoint) Validate() error {
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range [1, 65535]", ErrInvalidValue, e.Port)
	}
	if net.ParseIP(e.Address) == nil {
		return fmt.Errorf("%w: address %q is not a valid IP literal", ErrInvalidValue, e.Address)
	}
	return nil
}

// Family derives the address family of the endpoint's literal.
func (e NetworkEndpoint) Family() AddressFamily {
	ip := net.ParseIP(e.Address)
	if ip == nil {
		return AddressFamilyUnknown
	}
	if ip.To4() != nil {
		return AddressFamilyIPv4
	}
	return AddressFamilyIPv6
}

// String renders the endpoint as "address:port", also used as the
// session id of a connection to this endpoint.
func (e NetworkEndpoint) String() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// NodeId is an opaque node identifier, conventionally the hex SHA-256 of
// a public key. The core never interprets its contents.
type NodeId string

// NodeProfile is a node's identity and reachable address.
type NodeProfile struct {
	Id      NodeId
	Contact NetworkEndpoint
}

// ServiceProfile advertises a co-located service's contact endpoint; it
// has the same shape as NodeProfile.
type ServiceProfile = NodeProfile

// NodeInfo is a node's identity plus its geographic location.
type NodeInfo struct {
	Profile  NodeProfile
	Location GpsLocation
}

// ServiceType enumerates the kinds of service a node may advertise.
type ServiceType uint8

const (
	ServiceUnstructured ServiceType = iota
	ServiceContent
	ServiceLatency
	ServiceLocation
	ServiceToken
	ServiceProfileType
	ServiceProximity
	ServiceRelay
	ServiceReputation
	ServiceMinting
)

// String renders the service type for logging.
func (t ServiceType) String() string {
	switch t {
	case ServiceUnstructured:
		return "Unstructured"
	case ServiceContent:
		return "Content"
	case ServiceLatency:
		return "Latency"
	case ServiceLocation:
		return "Location"
	case ServiceToken:
		return "Token"
	case ServiceProfileType:
		return "Profile"
	case ServiceProximity:
		return "Proximity"
	case ServiceRelay:
		return "Relay"
	case ServiceReputation:
		return "Reputation"
	case ServiceMinting:
		return "Minting"
	default:
		return fmt.Sprintf("ServiceType(%d)", uint8(t))
	}
}

// NodeRelationType classifies a spatial-store entry's relation to the
// local node.
type NodeRelationType uint8

const (
	RelationSelf NodeRelationType = iota
	RelationColleague
	RelationNeighbor
)

func (r NodeRelationType) String() string {
	switch r {
	case RelationSelf:
		return "Self"
	case RelationColleague:
		return "Colleague"
	case RelationNeighbor:
		return "Neighbor"
	default:
		return fmt.Sprintf("NodeRelationType(%d)", uint8(r))
	}
}

// NodeContactRoleType records which side asked to establish a relation.
type NodeContactRoleType uint8

const (
	RoleInitiator NodeContactRoleType = iota
	RoleAcceptor
)

func (r NodeContactRoleType) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleAcceptor:
		return "Acceptor"
	default:
		return fmt.Sprintf("NodeContactRoleType(%d)", uint8(r))
	}
}

// NodeDbEntry is a NodeInfo enriched with the bookkeeping the spatial
// store needs: its relation and role to the local node, and its
// expiration instant. The Self entry never expires.
type NodeDbEntry struct {
	Info      NodeInfo
	Relation  NodeRelationType
	Role      NodeContactRoleType
	ExpiresAt NodeExpiry
}

// NodeExpiry wraps a monotonic expiration instant so that "never
// expires" (the Self entry) is representable without a magic time
// value.
type NodeExpiry struct {
	At      int64 // unix nanoseconds
	Expires bool
}

// Id is a convenience accessor for the entry's node id.
func (e NodeDbEntry) Id() NodeId { return e.Info.Profile.Id }

// ServiceRegistry maps a ServiceType to at most one advertised profile.
type ServiceRegistry map[ServiceType]ServiceProfile

// Clone returns a shallow copy of the registry, safe to hand to callers
// outside the engine's lock.
func (r ServiceRegistry) Clone() ServiceRegistry {
	out := make(ServiceRegistry, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// SessionId is the opaque identifier of a live connection, formed as
// "address:port" of the remote side.
type SessionId string
