// Package protocol implements the abstract message schema of spec.md
// §6.2 over encoding/gob, and the dispatcher/proxy of §4.5 that
// translate between these wire messages and Node Engine calls.
//
// Grounded on original_source/src/messages.proto (the original protobuf
// schema: a oneof-shaped sum of sub-requests/sub-responses per facet)
// and encoded here as Go structs with pointer fields standing in for
// the oneof cases, gob-encoded (see DESIGN.md for why gob over a
// schema-first format).
package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/geomesh-network/geomesh/internal/model"
)

// protocolVersion is the only version this implementation speaks;
// requests with a different leading component are rejected with
// Unsupported (spec.md §6.2, S6).
var protocolVersion = [3]uint32{1, 0, 0}

// StatusCode mirrors spec.md §6.2's closed status enumeration.
type StatusCode uint8

const (
	StatusOK StatusCode = iota
	StatusProtocolViolation
	StatusUnsupported
	StatusInvalidValue
	StatusInternalError
)

// WireGpsLocation is the §6.3 coordinate encoding: signed 32-bit
// integers equal to round(degrees * 1_000_000).
type WireGpsLocation struct {
	LatMicro int32
	LonMicro int32
}

// ToWireLocation converts a GpsLocation to its wire representation.
func ToWireLocation(l model.GpsLocation) WireGpsLocation {
	return WireGpsLocation{
		LatMicro: int32(roundMicro(l.Latitude)),
		LonMicro: int32(roundMicro(l.Longitude)),
	}
}

// FromWireLocation converts a wire location back to degrees (P9: round
// trip error under 10^-5 degrees).
func FromWireLocation(w WireGpsLocation) model.GpsLocation {
	return model.GpsLocation{
		Latitude:  float64(w.LatMicro) / 1e6,
		Longitude: float64(w.LonMicro) / 1e6,
	}
}

func roundMicro(degrees float64) int64 {
	if degrees >= 0 {
		return int64(degrees*1e6 + 0.5)
	}
	return int64(degrees*1e6 - 0.5)
}

// WireNodeProfile is the wire shape of model.NodeProfile.
type WireNodeProfile struct {
	Id      string
	Address string
	Port    int32
}

func toWireProfile(p model.NodeProfile) WireNodeProfile {
	return WireNodeProfile{Id: string(p.Id), Address: p.Contact.Address, Port: int32(p.Contact.Port)}
}

func fromWireProfile(w WireNodeProfile) model.NodeProfile {
	return model.NodeProfile{Id: model.NodeId(w.Id), Contact: model.NetworkEndpoint{Address: w.Address, Port: int(w.Port)}}
}

// WireNodeInfo is the wire shape of model.NodeInfo.
type WireNodeInfo struct {
	Profile  WireNodeProfile
	Location WireGpsLocation
}

func toWireInfo(n model.NodeInfo) WireNodeInfo {
	return WireNodeInfo{Profile: toWireProfile(n.Profile), Location: ToWireLocation(n.Location)}
}

func fromWireInfo(w WireNodeInfo) model.NodeInfo {
	return model.NodeInfo{Profile: fromWireProfile(w.Profile), Location: FromWireLocation(w.Location)}
}

// WireNodeDbEntry is the wire shape of model.NodeDbEntry, carrying just
// enough to reconstruct a NodeInfo plus its relation on the far side.
type WireNodeDbEntry struct {
	Info     WireNodeInfo
	Relation uint8
	Role     uint8
}

func toWireEntry(e model.NodeDbEntry) WireNodeDbEntry {
	return WireNodeDbEntry{Info: toWireInfo(e.Info), Relation: uint8(e.Relation), Role: uint8(e.Role)}
}

func fromWireEntry(w WireNodeDbEntry) model.NodeDbEntry {
	return model.NodeDbEntry{
		Info:     fromWireInfo(w.Info),
		Relation: model.NodeRelationType(w.Relation),
		Role:     model.NodeContactRoleType(w.Role),
	}
}

func toWireInfos(infos []model.NodeInfo) []WireNodeInfo {
	out := make([]WireNodeInfo, len(infos))
	for i, n := range infos {
		out[i] = toWireInfo(n)
	}
	return out
}

func fromWireInfos(wires []WireNodeInfo) []model.NodeInfo {
	out := make([]model.NodeInfo, len(wires))
	for i, w := range wires {
		out[i] = fromWireInfo(w)
	}
	return out
}

// Ack is an empty acknowledgement, used wherever a sub-case carries no
// data beyond its own presence.
type Ack struct{}

// --- Request sub-messages (spec.md §4.5.1) ---

type RegisterServiceRequest struct {
	ServiceType uint8
	Profile     WireNodeProfile
}

type DeregisterServiceRequest struct {
	ServiceType uint8
}

type GetNeighbourNodesRequest struct {
	KeepAliveAndSendUpdates bool
}

type AcceptRequest struct {
	Node WireNodeInfo
}

type RenewRequest struct {
	Node WireNodeInfo
}

type GetNodeCountRequest struct {
	// Relation is nil for an unfiltered count across all relations.
	Relation *uint8
}

type GetRandomNodesRequest struct {
	MaxCount           int32
	NeighboursIncluded bool
}

type GetClosestNodesRequest struct {
	Location           WireGpsLocation
	MaxRadiusKm        float64
	MaxCount           int32
	NeighboursIncluded bool
}

type GetServicesRequest struct{}

type NeighbourhoodChangedNotification struct {
	Added   []WireNodeDbEntry
	Removed []string
}

// LocalServiceRequest is the RequestBody sum for the LocalService
// facet (spec.md §4.5.1); exactly one field is non-nil.
type LocalServiceRequest struct {
	RegisterService          *RegisterServiceRequest
	DeregisterService        *DeregisterServiceRequest
	GetNeighbourNodes        *GetNeighbourNodesRequest
	NeighbourhoodChangedAck  *Ack
}

// RemoteNodeRequest is the RequestBody sum for the RemoteNode facet.
type RemoteNodeRequest struct {
	AcceptColleague         *AcceptRequest
	RenewColleague          *RenewRequest
	AcceptNeighbour         *AcceptRequest
	RenewNeighbour          *RenewRequest
	GetNodeCount            *GetNodeCountRequest
	GetRandomNodes          *GetRandomNodesRequest
	GetClosestNodes         *GetClosestNodesRequest
}

// ClientRequest is the RequestBody sum for the read-only Client facet.
type ClientRequest struct {
	GetServices       *GetServicesRequest
	GetNeighbourNodes *GetNeighbourNodesRequest
	GetClosestNodes   *GetClosestNodesRequest
}

// NotificationRequest carries server-pushed notifications over an
// already-open session (spec.md §4.5.1's keep-alive subscription).
type NotificationRequest struct {
	NeighbourhoodChanged *NeighbourhoodChangedNotification
}

// RequestBody is the top-level oneof: exactly one of LocalService,
// RemoteNode, Client or Notification is set.
type RequestBody struct {
	LocalService *LocalServiceRequest
	RemoteNode   *RemoteNodeRequest
	Client       *ClientRequest
	Notification *NotificationRequest
}

// Request is the full message envelope for a request (spec.md §6.2).
type Request struct {
	Version [3]uint32
	Body    RequestBody
}

// NewRequest builds a Request with the current protocol version.
func NewRequest(body RequestBody) Request {
	return Request{Version: protocolVersion, Body: body}
}

// --- Response sub-messages ---

type AcceptResponse struct {
	Accepted        bool
	Remote          WireNodeInfo
	RemoteIpAddress string
}

type CountResponse struct {
	Count int32
}

type NodesResponse struct {
	Nodes []WireNodeInfo
}

type EntriesResponse struct {
	Entries []WireNodeDbEntry
}

type WireServiceEntry struct {
	ServiceType uint8
	Profile     WireNodeProfile
}

type ServicesResponse struct {
	Services []WireServiceEntry
}

type LocalServiceResponse struct {
	RegisterService         *Ack
	DeregisterService       *Ack
	GetNeighbourNodes       *EntriesResponse
	NeighbourhoodChangedAck *Ack
}

type RemoteNodeResponse struct {
	AcceptColleague  *AcceptResponse
	RenewColleague   *AcceptResponse
	AcceptNeighbour  *AcceptResponse
	RenewNeighbour   *AcceptResponse
	GetNodeCount     *CountResponse
	GetRandomNodes   *NodesResponse
	GetClosestNodes  *NodesResponse
}

type ClientResponse struct {
	GetServices       *ServicesResponse
	GetNeighbourNodes *EntriesResponse
	GetClosestNodes   *NodesResponse
}

type NotificationResponse struct {
	NeighbourhoodChangedAck *Ack
}

// ResponseBody is the top-level oneof mirroring RequestBody.
type ResponseBody struct {
	LocalService *LocalServiceResponse
	RemoteNode   *RemoteNodeResponse
	Client       *ClientResponse
	Notification *NotificationResponse
}

// Response is the full message envelope for a response (spec.md §6.2).
type Response struct {
	Status  StatusCode
	Details string
	Body    ResponseBody
}

// EncodeRequest gob-encodes a Request for framing by the session layer.
func EncodeRequest(r Request) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", model.ErrInternal, err)
	}
	return buf.Bytes(), nil
}

// DecodeRequest decodes a gob-encoded Request.
func DecodeRequest(payload []byte) (Request, error) {
	var r Request
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&r); err != nil {
		return Request{}, fmt.Errorf("%w: decoding request: %v", model.ErrBadRequest, err)
	}
	return r, nil
}

// EncodeResponse gob-encodes a Response.
func EncodeResponse(r Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("%w: encoding response: %v", model.ErrInternal, err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse decodes a gob-encoded Response.
func DecodeResponse(payload []byte) (Response, error) {
	var r Response
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&r); err != nil {
		return Response{}, fmt.Errorf("%w: decoding response: %v", model.ErrBadResponse, err)
	}
	return r, nil
}
