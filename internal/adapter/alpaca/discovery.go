package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// discoveryMessage is the Alpaca discovery probe payload.
const discoveryMessage = "alpacadiscovery1"

// DefaultDiscoveryPort is the registered Alpaca discovery port.
const DefaultDiscoveryPort = 32227

// PacketDialer opens the UDP socket used for discovery probes. Tests
// inject loopback sockets.
type PacketDialer func(ctx context.Context) (net.PacketConn, error)

// DiscoveryConfig tunes server discovery.
type DiscoveryConfig struct {
	// Targets are the probe destinations. Empty broadcasts to the
	// local network on the standard port.
	Targets []string
	// Window is how long replies are collected. Default 2s.
	Window time.Duration
	// PacketDialer opens the socket. Default binds an ephemeral UDP4
	// port.
	PacketDialer PacketDialer
}

type discoveryReply struct {
	AlpacaPort int `json:"AlpacaPort"`
}

// DiscoverServers probes for Alpaca servers and returns their
// host:port endpoints, deduplicated and sorted.
func DiscoverServers(ctx context.Context, cfg DiscoveryConfig, logger zerolog.Logger) ([]string, error) {
	log := logger.With().Str("component", "alpaca-discovery").Logger()
	if cfg.Window <= 0 {
		cfg.Window = 2 * time.Second
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = []string{fmt.Sprintf("255.255.255.255:%d", DefaultDiscoveryPort)}
	}
	dial := cfg.PacketDialer
	if dial == nil {
		dial = func(ctx context.Context) (net.PacketConn, error) {
			var lc net.ListenConfig
			return lc.ListenPacket(ctx, "udp4", ":0")
		}
	}

	conn, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	for _, target := range cfg.Targets {
		addr, err := net.ResolveUDPAddr("udp4", target)
		if err != nil {
			log.Warn().Err(err).Str("target", target).Msg("Bad discovery target")
			continue
		}
		if _, err := conn.WriteTo([]byte(discoveryMessage), addr); err != nil {
			log.Warn().Err(err).Str("target", target).Msg("Discovery probe failed")
		}
	}

	deadline := time.Now().Add(cfg.Window)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetReadDeadline(deadline)

	seen := make(map[string]struct{})
	buf := make([]byte, 1024)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			break
		}
		var reply discoveryReply
		if json.Unmarshal(buf[:n], &reply) != nil || reply.AlpacaPort <= 0 {
			continue
		}
		host, _, err := net.SplitHostPort(from.String())
		if err != nil {
			continue
		}
		endpoint := net.JoinHostPort(host, fmt.Sprintf("%d", reply.AlpacaPort))
		seen[endpoint] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for ep := range seen {
		out = append(out, ep)
	}
	sort.Strings(out)
	log.Debug().Int("servers", len(out)).Msg("Alpaca discovery window closed")
	return out, nil
}
