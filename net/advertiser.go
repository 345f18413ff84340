package net

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipscore/corebus/internal/logging"
	"github.com/tipscore/corebus/tag"
)

// Advertiser periodically emits TypeTagSource datagrams to a UDP multicast
// group, announcing which tags this process currently sources
// (spec.md §4.7 "Advertisement"). The tag list is not static: AddSourceTag
// grows it every time Hub.Publish relays a new tag onto the network, so the
// advertised set always matches what this process has actually sent.
type Advertiser struct {
	conn     *net.UDPConn
	ip       string
	tcpPort  uint16
	pid      uint32
	loopback bool
	period   time.Duration
	logger   zerolog.Logger

	mu   sync.Mutex
	tags map[tag.Tag]struct{}

	stopCh chan struct{}
	done   chan struct{}
}

// NewAdvertiser dials the multicast group (dest, e.g. "239.255.0.1:30001")
// for writing only. ip/tcpPort are what this process advertises as its
// reachable address; loopback, when true, lets a process on the same host
// connect to itself (spec.md §4.7 Discovery "unless loopback is set").
func NewAdvertiser(dest, ip string, tcpPort uint16, loopback bool, period time.Duration, logger zerolog.Logger) (*Advertiser, error) {
	addr, err := net.ResolveUDPAddr("udp4", dest)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		return nil, err
	}
	return &Advertiser{
		conn:     conn,
		ip:       ip,
		tcpPort:  tcpPort,
		pid:      uint32(os.Getpid()),
		loopback: loopback,
		period:   period,
		logger:   logger,
		tags:     make(map[tag.Tag]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// AddSourceTag records that this process has sourced t, so future
// advertisements include it. Idempotent.
func (a *Advertiser) AddSourceTag(t tag.Tag) {
	a.mu.Lock()
	a.tags[t] = struct{}{}
	a.mu.Unlock()
}

func (a *Advertiser) sourceTags() []tag.Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]tag.Tag, 0, len(a.tags))
	for t := range a.tags {
		out = append(out, t)
	}
	return out
}

// Start launches the periodic advertisement goroutine.
func (a *Advertiser) Start() {
	go a.run()
}

// Stop halts advertisement and closes the multicast socket.
func (a *Advertiser) Stop() {
	close(a.stopCh)
	<-a.done
	a.conn.Close()
}

func (a *Advertiser) run() {
	defer close(a.done)
	defer logging.RecoverPanic(a.logger, "net.Advertiser.run", nil)

	ticker := time.NewTicker(a.period)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.advertiseOnce()
		}
	}
}

func (a *Advertiser) advertiseOnce() {
	tags := a.sourceTags()
	for _, chunk := range chunkTags(tags) {
		msg := TypeTagSource{
			IP:       a.ip,
			TCPPort:  a.tcpPort,
			PID:      a.pid,
			Loopback: a.loopback,
			Tags:     chunk,
		}
		payload, err := EncodeTypeTagSource(msg)
		if err != nil {
			a.logger.Warn().Err(err).Msg("encode TypeTagSource")
			continue
		}
		if _, err := a.conn.Write(payload); err != nil {
			a.logger.Warn().Err(err).Msg("write TypeTagSource datagram")
			return
		}
	}
}
