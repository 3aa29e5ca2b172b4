// Command geomesh-node runs one location-based overlay node: it loads
// its identity and seed list from flags, starts the engine's
// bootstrap/discovery/maintenance lifecycle, and serves inbound
// sessions on a TCP listener until an interrupt signal arrives.
//
// Grounded on the teacher's cmd/ryx-node/main.go (flag parsing, a
// config struct handed to a constructor, a context cancelled on
// SIGINT/SIGTERM, Start/Stop lifecycle).
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/geomesh-network/geomesh/internal/config"
	"github.com/geomesh-network/geomesh/internal/engine"
	"github.com/geomesh-network/geomesh/internal/logging"
	"github.com/geomesh-network/geomesh/internal/metrics"
	"github.com/geomesh-network/geomesh/internal/model"
	"github.com/geomesh-network/geomesh/internal/protocol"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	nodeID := flag.String("node-id", "", "node identifier (random hex if empty)")
	listenAddr := flag.String("listen", "0.0.0.0", "address to listen on")
	listenPort := flag.Int("port", 9301, "TCP port to listen on")
	advertiseAddr := flag.String("advertise", "127.0.0.1", "address advertised to peers")
	lat := flag.Float64("lat", 0, "latitude in degrees")
	lon := flag.Float64("lon", 0, "longitude in degrees")
	seeds := flag.String("seeds", "", "comma-separated seed host:port list")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9302)")
	requestTimeout := flag.Duration("request-timeout", 10*time.Second, "per-request timeout on outbound sessions")
	flag.Parse()

	logger := logging.New()

	id := *nodeID
	if id == "" {
		id = randomNodeID()
	}
	logger = logging.WithComponent(logger, "main", id)

	location, err := model.NewGpsLocation(*lat, *lon)
	if err != nil {
		level.Error(logger).Log("msg", "invalid location", "err", err)
		os.Exit(1)
	}

	self := model.NodeInfo{
		Profile: model.NodeProfile{
			Id:      model.NodeId(id),
			Contact: model.NetworkEndpoint{Address: *advertiseAddr, Port: *listenPort},
		},
		Location: location,
	}

	seedEndpoints, err := parseSeeds(*seeds)
	if err != nil {
		level.Error(logger).Log("msg", "invalid seeds", "err", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	mc := metrics.NewCollectors(reg)

	cfg := &config.Config{
		Self:     self,
		ListenOn: model.NetworkEndpoint{Address: *listenAddr, Port: *listenPort},
		Seeds:    seedEndpoints,
		Params:   config.Defaults(),
	}

	dispatcher := protocol.NewDispatcher(nil, logging.WithComponent(logger, "dispatcher", id))
	connFactory := protocol.NewConnectionFactory(dispatcher, *requestTimeout, logging.WithComponent(logger, "session", id), mc)

	eng := engine.New(cfg, config.RealClock{}, connFactory, logging.WithComponent(logger, "engine", id), mc)
	dispatcher.SetEngine(eng)
	connFactory.SetObservedAddrHandler(eng.UpdateAdvertisedAddress)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", cfg.ListenOn.String())
	if err != nil {
		level.Error(logger).Log("msg", "failed to listen", "addr", cfg.ListenOn, "err", err)
		os.Exit(1)
	}
	level.Info(logger).Log("msg", "listening", "addr", cfg.ListenOn, "node_id", id, "lat", *lat, "lon", *lon)

	go acceptLoop(ctx, listener, dispatcher, logging.WithComponent(logger, "session", id), mc, *requestTimeout)

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg, logger)
	}

	if err := eng.Start(ctx); err != nil {
		level.Warn(logger).Log("msg", "engine start reported an error, continuing with reconnect loop", "err", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	level.Info(logger).Log("msg", "shutting down")
	cancel()
	eng.Stop()
	listener.Close()
	level.Info(logger).Log("msg", "shutdown complete")
}

// acceptLoop runs the TCP accept loop, handing each inbound connection
// to the dispatcher so it is served symmetrically with outbound
// sessions (same keep-alive push wiring).
func acceptLoop(ctx context.Context, listener net.Listener, dispatcher *protocol.Dispatcher, logger log.Logger, mc *metrics.Collectors, requestTimeout time.Duration) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				level.Error(logger).Log("msg", "accept failed", "err", err)
			}
			continue
		}
		dispatcher.Serve(ctx, conn, logger, mc, requestTimeout)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger log.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	level.Info(logger).Log("msg", "serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Error(logger).Log("msg", "metrics server stopped", "err", err)
	}
}

func parseSeeds(raw string) ([]model.NetworkEndpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	out := make([]model.NetworkEndpoint, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			return nil, fmt.Errorf("seed %q: %w", part, err)
		}
		var port int
		if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
			return nil, fmt.Errorf("seed %q: bad port: %w", part, err)
		}
		ep, err := model.NewNetworkEndpoint(host, port)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func randomNodeID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
