// Command geomesh-ctl is a thin read-only client for the Client facet
// of spec.md §4.5.1: it dials a running geomesh-node, asks a single
// query, prints the answer as text, and exits. It never joins the
// overlay itself and carries no store or engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/geomesh-network/geomesh/internal/protocol"
	"github.com/geomesh-network/geomesh/internal/session"
)

func main() {
	target := flag.String("target", "", "node address to query, host:port")
	query := flag.String("query", "neighbors", "one of: neighbors, services, closest")
	lat := flag.Float64("lat", 0, "latitude for a closest query, degrees")
	lon := flag.Float64("lon", 0, "longitude for a closest query, degrees")
	radiusKm := flag.Float64("radius-km", 1000, "max radius for a closest query, kilometers")
	maxCount := flag.Int("max-count", 10, "max results for a closest query")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Parse()

	if *target == "" {
		fmt.Fprintln(os.Stderr, "usage: geomesh-ctl -target host:port -query neighbors|services|closest")
		os.Exit(2)
	}

	proxy, closeFn, err := dial(*target, *timeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *target, err)
		os.Exit(1)
	}
	defer closeFn()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch strings.ToLower(*query) {
	case "neighbors":
		entries, err := proxy.GetNeighbourNodes(ctx, false)
		if err != nil {
			fail(err)
		}
		printEntries(entries)

	case "services":
		services, err := proxy.GetServices(ctx)
		if err != nil {
			fail(err)
		}
		printServices(services)

	case "closest":
		nodes, err := proxy.ClientGetClosestNodes(ctx, model.GpsLocation{Latitude: *lat, Longitude: *lon}, *radiusKm, *maxCount, true)
		if err != nil {
			fail(err)
		}
		printInfos(nodes)

	default:
		fmt.Fprintf(os.Stderr, "unknown query %q\n", *query)
		os.Exit(2)
	}
}

// dial opens a bare session to target and wraps it as a Proxy. The
// session's inbound handler only has to ack keep-alive notifications,
// since geomesh-ctl never registers for them but may still share a
// dispatcher-less connection with a peer that probes it.
func dial(target string, timeout time.Duration) (*protocol.Proxy, func() error, error) {
	conn, err := net.DialTimeout("tcp", target, timeout)
	if err != nil {
		return nil, nil, err
	}
	sess := session.New(model.SessionId(target), conn, session.RequestHandlerFunc(ackNotifications), nil, nil, timeout)
	ctx, cancel := context.WithCancel(context.Background())
	go sess.Run(ctx)
	return protocol.NewProxy(sess), func() error {
		cancel()
		return sess.Close(nil)
	}, nil
}

func ackNotifications(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		return nil, err
	}
	if req.Body.Notification == nil {
		return protocol.EncodeResponse(protocol.Response{Status: protocol.StatusUnsupported, Details: "geomesh-ctl serves no inbound requests"})
	}
	return protocol.EncodeResponse(protocol.Response{Status: protocol.StatusOK, Body: protocol.ResponseBody{
		Notification: &protocol.NotificationResponse{NeighbourhoodChangedAck: &protocol.Ack{}},
	}})
}

func printEntries(entries []protocol.WireNodeDbEntry) {
	if len(entries) == 0 {
		fmt.Println("(no neighbors)")
		return
	}
	for _, e := range entries {
		loc := protocol.FromWireLocation(e.Info.Location)
		fmt.Printf("%s\t%s\t%.6f,%.6f\trelation=%d role=%d\n",
			e.Info.Profile.Id, e.Info.Profile.Address, loc.Latitude, loc.Longitude, e.Relation, e.Role)
	}
}

func printInfos(infos []model.NodeInfo) {
	if len(infos) == 0 {
		fmt.Println("(no nodes)")
		return
	}
	for _, n := range infos {
		fmt.Printf("%s\t%s\t%.6f,%.6f\n", n.Profile.Id, n.Profile.Contact, n.Location.Latitude, n.Location.Longitude)
	}
}

func printServices(services []protocol.WireServiceEntry) {
	if len(services) == 0 {
		fmt.Println("(no services)")
		return
	}
	for _, s := range services {
		fmt.Printf("type=%d\t%s:%d\n", s.ServiceType, s.Profile.Address, s.Profile.Port)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
