package peer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sweetmcp/gateway/pkg/log"
)

const (
	mdnsMulticastAddr = "239.255.76.77:7216" // SweetMCP's own multicast group
	coalesceWindow    = 1 * time.Second
)

// MDNSAgent periodically multicasts `SWEETMCP|<build-id>|<port>` and listens
// for peer announcements, feeding newly discovered addresses into a Registry
// (spec.md §4.3). Announcements carrying a mismatched build-id are dropped
// silently to prevent cross-version poisoning.
type MDNSAgent struct {
	Registry *Registry
	BuildID  string
	Port     int
	Interval time.Duration

	mu         sync.Mutex
	lastSeenAt map[string]time.Time // coalescing window per addr
}

// NewMDNSAgent constructs an agent for the given registry.
func NewMDNSAgent(reg *Registry, buildID string, port int, interval time.Duration) *MDNSAgent {
	return &MDNSAgent{
		Registry:   reg,
		BuildID:    buildID,
		Port:       port,
		Interval:   interval,
		lastSeenAt: make(map[string]time.Time),
	}
}

// Run announces on a ticker and listens for peer announcements until ctx is
// cancelled. Transient errors are logged and retried on the next tick; no
// cascading failure per spec.md §4.3.
func (a *MDNSAgent) Run(ctx context.Context) error {
	groupAddr, err := net.ResolveUDPAddr("udp4", mdnsMulticastAddr)
	if err != nil {
		return fmt.Errorf("resolve multicast group: %w", err)
	}

	conn, err := net.ListenMulticastUDP("udp4", nil, groupAddr)
	if err != nil {
		return fmt.Errorf("listen multicast: %w", err)
	}
	defer conn.Close()

	go a.listen(ctx, conn)
	a.announceLoop(ctx, groupAddr)
	return nil
}

func (a *MDNSAgent) announceLoop(ctx context.Context, groupAddr *net.UDPAddr) {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	msg := []byte(fmt.Sprintf("SWEETMCP|%s|%d", a.BuildID, a.Port))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := net.DialUDP("udp4", nil, groupAddr)
			if err != nil {
				log.Warnf("mdns: announce dial failed: %v", err)
				continue
			}
			if _, err := conn.Write(msg); err != nil {
				log.Warnf("mdns: announce write failed: %v", err)
			}
			conn.Close()
		}
	}
}

func (a *MDNSAgent) listen(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 512)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(a.Interval))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout or transient error, retry on next loop
		}
		a.handleAnnouncement(string(buf[:n]), src)
	}
}

func (a *MDNSAgent) handleAnnouncement(line string, src *net.UDPAddr) {
	parts := strings.SplitN(line, "|", 3)
	if len(parts) != 3 || parts[0] != "SWEETMCP" {
		return
	}
	if parts[1] != a.BuildID {
		return // cross-version poisoning guard
	}
	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return
	}
	addr := net.JoinHostPort(src.IP.String(), strconv.Itoa(port))

	if a.coalesced(addr) {
		return
	}
	a.Registry.Add(addr)
}

func (a *MDNSAgent) coalesced(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if last, ok := a.lastSeenAt[addr]; ok && now.Sub(last) < coalesceWindow {
		return true
	}
	a.lastSeenAt[addr] = now
	return false
}

// DNSAgent periodically resolves a SRV record and reconciles results with
// the registry: new targets are added, missing targets are left alone (they
// age out via the circuit breaker), per spec.md §4.3.
type DNSAgent struct {
	Registry *Registry
	Service  string // e.g. "_sweetmcp._tcp.example.com"
	Interval time.Duration

	resolver *net.Resolver

	mu         sync.Mutex
	lastSeenAt map[string]time.Time
}

// NewDNSAgent builds an agent resolving the `_sweetmcp._tcp.<domain>` SRV
// record configured by SWEETMCP_DNS_SERVICE or SWEETMCP_DOMAIN.
func NewDNSAgent(reg *Registry, service string, interval time.Duration) *DNSAgent {
	return &DNSAgent{
		Registry:   reg,
		Service:    service,
		Interval:   interval,
		resolver:   net.DefaultResolver,
		lastSeenAt: make(map[string]time.Time),
	}
}

// Run polls the SRV record on a ticker until ctx is cancelled.
func (a *DNSAgent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.Interval)
	defer ticker.Stop()

	a.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *DNSAgent) tick(ctx context.Context) {
	_, addrs, err := a.resolver.LookupSRV(ctx, "", "", a.Service)
	if err != nil {
		log.Warnf("dns-srv: lookup %s failed: %v", a.Service, err)
		return
	}
	for _, srv := range addrs {
		target := net.JoinHostPort(strings.TrimSuffix(srv.Target, "."), strconv.Itoa(int(srv.Port)))
		if a.coalesced(target) {
			continue
		}
		a.Registry.Add(target)
	}
}

func (a *DNSAgent) coalesced(addr string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	if last, ok := a.lastSeenAt[addr]; ok && now.Sub(last) < coalesceWindow {
		return true
	}
	a.lastSeenAt[addr] = now
	return false
}
