package net

import (
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/internal/logging"
	"github.com/tipscore/corebus/internal/metrics"
	"github.com/tipscore/corebus/ratelimit"
	"github.com/tipscore/corebus/subtable"
	"github.com/tipscore/corebus/tag"
)

// Config carries the subset of spec.md §6's configuration keys the
// network plane needs, kept decoupled from the config package so net has
// no import-cycle risk with domain (which imports both).
type Config struct {
	IfaceAddr                     string
	TCPPort                       int
	UdpcastDests                  string
	SendBytesPerSec               int64
	SendBytesBurst                int64
	WaitForSlowReceivers          bool
	HeartbeatPeriodSeconds        int
	TypeTagAdvertisePeriodSeconds int
	NetMaxMessageSizeRuntime      int
}

// Hub is a Domain's entire network plane: it satisfies domain.NetworkSink,
// owns the TCP accept loop and its inbound Sessions, dials outbound
// Sessions to peers discovered over UDP multicast, and runs the
// advertiser that announces this process's sourced tags (spec.md §4.7).
// Grounded on ws/internal/multi/shard.go's per-shard listener+accept-loop
// pairing, generalized from a WebSocket server's client map to a
// bidirectional peer-session map.
type Hub struct {
	cfg     Config
	table   *subtable.Table // local subscription table, for discovery matching and subscribe-on-connect
	deliver Deliverer
	rate    *ratelimit.Bucket
	logger  zerolog.Logger

	listener   net.Listener
	advertiser *Advertiser
	discovery  *DiscoveryListener

	mu       sync.Mutex
	inbound  map[string]*Session // peerID -> session that streams data TO that peer
	outbound map[string]*Session // peerID -> session that streams data FROM that peer

	stopCh chan struct{}
}

// NewHub binds the TCP listener and UDP sockets described by cfg but does
// not start accepting or advertising yet — call Start for that.
func NewHub(cfg Config, table *subtable.Table, deliver Deliverer, logger zerolog.Logger) (*Hub, error) {
	addr := net.JoinHostPort(cfg.IfaceAddr, strconv.Itoa(cfg.TCPPort))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return nil, err
	}

	tcpPort := ln.Addr().(*net.TCPAddr).Port

	adv, err := NewAdvertiser(cfg.UdpcastDests, cfg.IfaceAddr, uint16(tcpPort), cfg.IfaceAddr == "127.0.0.1", advertisePeriod(cfg), logger)
	if err != nil {
		ln.Close()
		return nil, err
	}

	h := &Hub{
		cfg:      cfg,
		table:    table,
		deliver:  deliver,
		rate:     ratelimit.New(int(cfg.SendBytesPerSec), int(cfg.SendBytesBurst)),
		logger:   logger,
		listener: ln,

		advertiser: adv,
		inbound:    make(map[string]*Session),
		outbound:   make(map[string]*Session),
		stopCh:     make(chan struct{}),
	}

	disc, err := NewDiscoveryListener(cfg.UdpcastDests, cfg.IfaceAddr, table, cfg.IfaceAddr, h.connectOutbound, logger)
	if err != nil {
		ln.Close()
		adv.conn.Close()
		return nil, err
	}
	h.discovery = disc

	return h, nil
}

func advertisePeriod(cfg Config) time.Duration {
	if cfg.TypeTagAdvertisePeriodSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(cfg.TypeTagAdvertisePeriodSeconds) * time.Second
}

func heartbeatPeriod(cfg Config) time.Duration {
	if cfg.HeartbeatPeriodSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(cfg.HeartbeatPeriodSeconds) * time.Second
}

// Start launches the accept loop, the discovery listener, and the
// advertiser.
func (h *Hub) Start() {
	go h.acceptLoop()
	h.discovery.Start()
	h.advertiser.Start()
}

// Stop tears down every session and closes both sockets.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.listener.Close()
	h.discovery.Stop()
	h.advertiser.Stop()

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.inbound)+len(h.outbound))
	for _, s := range h.inbound {
		sessions = append(sessions, s)
	}
	for _, s := range h.outbound {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.Close("shutdown")
	}
}

// Publish implements domain.NetworkSink: it forwards one ring slot
// (already serialized per spec.md §6's wire format) to every inbound
// session whose peer subscribes to t, and records t as a tag this process
// sources so the advertiser announces it (spec.md §4.7 "Advertisement").
func (h *Hub) Publish(t tag.Tag, slot []byte) error {
	h.advertiser.AddSourceTag(t)

	hdr := envelope.ReadHeader(slot)
	flag := FlagNone
	if hdr.HasAttachmentRef() {
		flag = FlagAttachment
	}

	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.inbound))
	for _, s := range h.inbound {
		if s.Wants(t) {
			sessions = append(sessions, s)
		}
	}
	h.mu.Unlock()

	for _, s := range sessions {
		if flag == FlagAttachment {
			s.SendAttachmentRef(slot)
		} else {
			s.SendEnvelope(slot)
		}
	}
	return nil
}

// Subscribe adds t to every active outbound session's subscription (for a
// peer that was already streaming before this process gained a new local
// interest). A session dialed later subscribes from the local table in
// connectOutbound instead. domain.Domain.AddNode calls this for each
// fixed-tag interest whose local count just reached one.
func (h *Hub) Subscribe(t tag.Tag) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.outbound))
	for _, s := range h.outbound {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.Subscribe(t)
	}
}

// Unsubscribe mirrors Subscribe for interest removal.
func (h *Hub) Unsubscribe(t tag.Tag) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.outbound))
	for _, s := range h.outbound {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		s.Unsubscribe(t)
	}
}

func (h *Hub) acceptLoop() {
	defer logging.RecoverPanic(h.logger, "net.Hub.acceptLoop", nil)
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.stopCh:
				return
			default:
				h.logger.Warn().Err(err).Msg("tcp accept failed")
				continue
			}
		}
		h.adoptInbound(conn)
	}
}

func (h *Hub) adoptInbound(conn net.Conn) {
	s := NewInboundSession(conn, 3*heartbeatPeriod(h.cfg), h.rate, h.cfg.WaitForSlowReceivers, h.logger)
	peerID := s.PeerID()

	h.mu.Lock()
	h.inbound[peerID] = s
	h.mu.Unlock()
	metrics.SessionsActive.WithLabelValues("inbound").Inc()

	s.Start(func(reason string) {
		h.mu.Lock()
		delete(h.inbound, peerID)
		h.mu.Unlock()
		metrics.SessionsActive.WithLabelValues("inbound").Dec()
		h.logger.Info().Str("peer", peerID).Str("reason", reason).Msg("inbound session closed")
	})
}

// connectOutbound dials a discovered source at (ip, tcpPort), subscribes
// it to every tag this process's local Nodes currently want, and starts
// streaming. It publishes SessionStarted onto the local bus on success and
// SessionDropped when the session later closes (spec.md §4.7, §6 tags
// 254/255).
func (h *Hub) connectOutbound(ip string, tcpPort uint16) {
	addr := net.JoinHostPort(ip, strconv.Itoa(int(tcpPort)))
	if h.alreadyConnected(addr) {
		return
	}

	conn, err := net.DialTimeout("tcp4", addr, 5*time.Second)
	if err != nil {
		h.logger.Warn().Err(err).Str("peer", addr).Msg("outbound dial failed")
		return
	}

	s := NewOutboundSession(conn, heartbeatPeriod(h.cfg), h.deliver, h.rate, h.cfg.WaitForSlowReceivers, h.logger)
	peerID := s.PeerID()

	h.mu.Lock()
	h.outbound[peerID] = s
	h.mu.Unlock()
	metrics.SessionsActive.WithLabelValues("outbound").Inc()

	s.Start(func(reason string) {
		h.mu.Lock()
		delete(h.outbound, peerID)
		h.mu.Unlock()
		metrics.SessionsActive.WithLabelValues("outbound").Dec()
		h.deliverSessionEvent(tag.TagSessionDropped, ip)
		h.logger.Info().Str("peer", peerID).Str("reason", reason).Msg("outbound session closed")
	})

	for _, t := range h.table.Tags() {
		s.Subscribe(t)
	}
	s.EndInitialSubscriptions()

	h.deliverSessionEvent(tag.TagSessionStarted, ip)
}

func (h *Hub) alreadyConnected(peerID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.outbound[peerID]
	return ok
}

// deliverSessionEvent publishes a SessionStarted/SessionDropped control
// message onto the local bus, payload the peer's IP (spec.md §3 "Session"
// lifecycle, §6 reserved tags 254/255).
func (h *Hub) deliverSessionEvent(t tag.Tag, ip string) {
	if h.deliver == nil {
		return
	}
	if err := h.deliver.Deliver(t, []byte(ip)); err != nil {
		h.logger.Warn().Err(err).Str("ip", ip).Uint16("tag", uint16(t)).Msg("publish session event")
	}
}

// LocalPID is a small helper callers use when they need to compare a
// discovered TypeTagSource's PID against this process's own, matching
// hmbdc's loop-avoidance rule (spec.md §4.7 Discovery "whose (pid, ip) is
// not its own").
func LocalPID() uint32 { return uint32(os.Getpid()) }
