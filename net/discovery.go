package net

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipscore/corebus/internal/logging"
	"github.com/tipscore/corebus/subtable"
	"github.com/tipscore/corebus/tag"
)

// DiscoveryListener joins a UDP multicast group and, for every
// TypeTagSource datagram received, decides whether to open an outbound
// TCP session: the advertiser's tag list must intersect this process's own
// subscriptions, and the advertiser must not be this same process unless
// it explicitly marked itself Loopback (spec.md §4.7 "Discovery").
type DiscoveryListener struct {
	conn       *net.UDPConn
	table      *subtable.Table
	selfIP     string
	selfPID    uint32
	onDiscover func(ip string, tcpPort uint16)
	logger     zerolog.Logger

	mu   sync.Mutex
	seen map[string]time.Time // "ip:port" -> last connect attempt, debounces repeat advertisements

	stopCh chan struct{}
	done   chan struct{}
}

// reconnectDebounce is how long DiscoveryListener waits before re-offering
// a peer it already tried to connect to, so one advertisement every
// typeTagAdvertisePeriodSeconds doesn't spawn a new dial attempt per tick.
const reconnectDebounce = 5 * time.Second

// NewDiscoveryListener joins group (e.g. "239.255.0.1:30001") on the
// system-assigned multicast interface; iface is not used to pick one.
// onDiscover is invoked (from the listener's own goroutine) whenever a
// source worth connecting to is found; callers typically hand it
// Hub.connectOutbound.
func NewDiscoveryListener(group, iface string, table *subtable.Table, selfIP string, onDiscover func(string, uint16), logger zerolog.Logger) (*DiscoveryListener, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, err
	}
	var ifaceIP *net.UDPAddr
	if iface != "" && iface != "0.0.0.0" {
		ifaceIP = &net.UDPAddr{IP: net.ParseIP(iface)}
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	_ = ifaceIP // not applied: with a nil interface net.ListenMulticastUDP joins on the system-assigned multicast interface

	return &DiscoveryListener{
		conn:       conn,
		table:      table,
		selfIP:     selfIP,
		selfPID:    uint32(os.Getpid()),
		onDiscover: onDiscover,
		logger:     logger,
		seen:       make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the receive loop.
func (l *DiscoveryListener) Start() {
	go l.run()
}

// Stop closes the multicast socket and waits for the receive loop to exit.
func (l *DiscoveryListener) Stop() {
	close(l.stopCh)
	l.conn.Close()
	<-l.done
}

func (l *DiscoveryListener) run() {
	defer close(l.done)
	defer logging.RecoverPanic(l.logger, "net.DiscoveryListener.run", nil)

	buf := make([]byte, typeTagSourceWireSize)
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			continue // read timeout or socket closing; loop re-checks stopCh
		}
		src, err := DecodeTypeTagSource(buf[:n])
		if err != nil {
			l.logger.Debug().Err(err).Msg("malformed TypeTagSource datagram")
			continue
		}
		l.handle(src)
	}
}

func (l *DiscoveryListener) handle(src TypeTagSource) {
	if src.PID == l.selfPID && src.IP == l.selfIP && !src.Loopback {
		return
	}
	if !l.anyInterest(src.Tags) {
		return
	}

	key := net.JoinHostPort(src.IP, strconv.Itoa(int(src.TCPPort)))
	l.mu.Lock()
	if last, ok := l.seen[key]; ok && time.Since(last) < reconnectDebounce {
		l.mu.Unlock()
		return
	}
	l.seen[key] = time.Now()
	l.mu.Unlock()

	if l.onDiscover != nil {
		l.onDiscover(src.IP, src.TCPPort)
	}
}

func (l *DiscoveryListener) anyInterest(tags []tag.Tag) bool {
	for _, t := range tags {
		if l.table.Check(t) > 0 {
			return true
		}
	}
	return false
}
