package net

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/internal/logging"
	"github.com/tipscore/corebus/internal/metrics"
	"github.com/tipscore/corebus/ratelimit"
	"github.com/tipscore/corebus/tag"
)

// role distinguishes the two ends of a tcpcast-style session
// (spec.md §4.7): the discoverer that connects out, subscribes, and reads
// the data stream ("receiver" in spec.md's Heartbeat paragraph), and the
// acceptor that reads subscriptions/heartbeats and writes the data stream
// ("sender").
type role int

const (
	roleOutbound role = iota // we discovered and connected to a peer
	roleInbound              // a peer connected to us
)

// Deliverer hands a fully-reassembled inbound message to the local bus —
// satisfied by domain.Domain's publish path.
type Deliverer interface {
	Deliver(t tag.Tag, payload []byte) error
}

// sendQueueDepth bounds a Session's outbound frame queue. A full queue is
// this Session's "slow peer" signal: enqueue closes the session as soon as
// it finds the queue full, unless waitSlow makes it block instead.
const sendQueueDepth = 4096

// Session is a per-peer TCP connection plus its subscription state,
// outbound queue, and inbound reassembly buffer (spec.md §3 "Session").
type Session struct {
	conn   net.Conn
	role   role
	peerID string // "ip:port", used as the session map key and for SessionStarted/Dropped
	logger zerolog.Logger

	sendCh   chan []byte
	rate     *ratelimit.Bucket
	waitSlow bool

	// roleOutbound fields
	deliver         Deliverer
	reassembler     envelope.Reassembler
	heartbeatPeriod time.Duration

	// roleInbound fields
	mu              sync.Mutex
	remote          map[tag.Tag]struct{}
	heartbeatWindow time.Duration
	lastHeartbeat   time.Time

	stopCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	onClose   func(reason string)
}

func newSession(conn net.Conn, role role, logger zerolog.Logger, rate *ratelimit.Bucket, waitSlow bool) *Session {
	return &Session{
		conn:     conn,
		role:     role,
		peerID:   conn.RemoteAddr().String(),
		logger:   logger,
		sendCh:   make(chan []byte, sendQueueDepth),
		rate:     rate,
		waitSlow: waitSlow,
		remote:   make(map[tag.Tag]struct{}),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// NewOutboundSession wraps a freshly-dialed connection to a discovered
// peer. deliver receives every reassembled message this peer streams back
// after we subscribe to it.
func NewOutboundSession(conn net.Conn, heartbeatPeriod time.Duration, deliver Deliverer, rate *ratelimit.Bucket, waitSlow bool, logger zerolog.Logger) *Session {
	s := newSession(conn, roleOutbound, logger, rate, waitSlow)
	s.deliver = deliver
	s.heartbeatPeriod = heartbeatPeriod
	return s
}

// NewInboundSession wraps a freshly-accepted connection from a peer that
// discovered us. heartbeatWindow bounds how long the peer may go silent
// before this session is dropped as dead (spec.md §4.7 "Heartbeat").
func NewInboundSession(conn net.Conn, heartbeatWindow time.Duration, rate *ratelimit.Bucket, waitSlow bool, logger zerolog.Logger) *Session {
	s := newSession(conn, roleInbound, logger, rate, waitSlow)
	s.heartbeatWindow = heartbeatWindow
	s.lastHeartbeat = time.Now()
	return s
}

// Start launches the session's write loop and role-appropriate read loop.
// onClose is invoked exactly once, from whichever loop notices the
// connection is dead first, with a short human-readable reason.
func (s *Session) Start(onClose func(reason string)) {
	s.onClose = onClose
	go s.writeLoop()
	if s.role == roleOutbound {
		go s.readDataLoop()
		go s.subscribeAndHeartbeat()
	} else {
		go s.readControlLoop()
		go s.inboundWatchdog()
	}
}

// Close shuts the session down idempotently.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.conn.Close()
		metrics.SessionDrops.WithLabelValues(reason).Inc()
		if s.onClose != nil {
			s.onClose(reason)
		}
	})
}

// PeerID returns the "ip:port" this session talks to.
func (s *Session) PeerID() string { return s.peerID }

// --- outbound: subscription + heartbeat control writer ---

// Subscribe queues a "+<tag>\t" add line (spec.md §4.7 "Discovery").
func (s *Session) Subscribe(t tag.Tag) { s.enqueue(subscribeLine(t, true)) }

// Unsubscribe queues a "-<tag>\t" remove line.
func (s *Session) Unsubscribe(t tag.Tag) { s.enqueue(subscribeLine(t, false)) }

func (s *Session) subscribeAndHeartbeat() {
	defer logging.RecoverPanic(s.logger, "net.Session.subscribeAndHeartbeat", map[string]any{"peer": s.peerID})
	ticker := time.NewTicker(s.heartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.enqueue([]byte("+\t"))
		}
	}
}

// EndInitialSubscriptions queues the terminating "+\t" the protocol uses
// to mark "all initial subscriptions sent" (spec.md §4.7).
func (s *Session) EndInitialSubscriptions() { s.enqueue([]byte("+\t")) }

func subscribeLine(t tag.Tag, add bool) []byte {
	sign := byte('-')
	if add {
		sign = '+'
	}
	line := []byte{sign}
	line = appendUint(line, uint16(t))
	line = append(line, '\t')
	return line
}

func appendUint(dst []byte, v uint16) []byte {
	if v == 0 {
		return append(dst, '0')
	}
	var digits [5]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return append(dst, digits[i:]...)
}

// --- write loop (shared) ---

func (s *Session) enqueue(frame []byte) bool {
	select {
	case s.sendCh <- frame:
		return true
	default:
		if s.waitSlow {
			select {
			case s.sendCh <- frame:
				return true
			case <-s.stopCh:
				return false
			}
		}
		s.Close("slow_peer")
		return false
	}
}

func (s *Session) writeLoop() {
	defer close(s.done)
	defer logging.RecoverPanic(s.logger, "net.Session.writeLoop", map[string]any{"peer": s.peerID})

	w := bufio.NewWriter(s.conn)
	for {
		select {
		case <-s.stopCh:
			return
		case frame := <-s.sendCh:
			if !s.writeRateLimited(w, frame) {
				return
			}
			// Drain what's already queued before flushing, batching
			// syscalls the way ws/internal/shared/pump_write.go does.
			// Every drained frame still passes through the rate limiter,
			// or a burst of already-queued sends would escape the cap.
			n := len(s.sendCh)
			for i := 0; i < n; i++ {
				extra := <-s.sendCh
				if !s.writeRateLimited(w, extra) {
					return
				}
			}
			if err := w.Flush(); err != nil {
				s.Close("write_error")
				return
			}
		}
	}
}

// writeRateLimited gates frame through the Session's rate bucket (if any)
// before writing it to w. It returns false when the caller should stop:
// either the connection failed, or stopCh fired while waitSlow blocked.
func (s *Session) writeRateLimited(w *bufio.Writer, frame []byte) bool {
	if s.rate != nil {
		if s.waitSlow {
			if err := s.rate.WaitN(context.Background(), len(frame)); err != nil {
				return false
			}
		} else if !s.rate.AllowN(len(frame)) {
			metrics.RateLimitRejections.WithLabelValues("net").Inc()
			return true
		}
	}
	if _, err := w.Write(frame); err != nil {
		s.Close("write_error")
		return false
	}
	return true
}

// --- outbound: data-stream reader ---

func (s *Session) readDataLoop() {
	defer logging.RecoverPanic(s.logger, "net.Session.readDataLoop", map[string]any{"peer": s.peerID})

	r := bufio.NewReader(s.conn)
	hdrBuf := make([]byte, TransportHeaderSize)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		if _, err := readFull(r, hdrBuf); err != nil {
			s.Close("read_error")
			return
		}
		th := ReadTransportHeader(hdrBuf)
		payload := make([]byte, th.PayloadLen)
		if _, err := readFull(r, payload); err != nil {
			s.Close("read_error")
			return
		}
		s.handleDataFrame(th.Flag, payload)
	}
}

func (s *Session) handleDataFrame(flag uint8, payload []byte) {
	if len(payload) < envelope.HeaderSize {
		return
	}
	hdr := envelope.ReadHeader(payload)
	body := envelope.Payload(payload)

	if flag == FlagAttachment || hdr.HasAttachmentRef() {
		ref := envelope.ReadFragRef(body)
		if err := s.reassembler.Begin(ref.OriginalTag, int(ref.AttachmentLen)); err != nil {
			// A ref arriving mid-reassembly means the previous message was
			// dropped (short read, peer reset). Abandon it and restart.
			s.reassembler.Reset()
			_ = s.reassembler.Begin(ref.OriginalTag, int(ref.AttachmentLen))
		}
		return
	}

	if s.reassembler.Active() {
		segment := body[:min(int(hdr.InbandLen), len(body))]
		complete, err := s.reassembler.Append(segment)
		if err != nil {
			return
		}
		if !complete {
			return
		}
		t := s.reassembler.Tag()
		msg := append([]byte(nil), s.reassembler.Bytes()...)
		s.reassembler.Reset()
		if s.deliver != nil {
			_ = s.deliver.Deliver(t, msg)
		}
		return
	}

	if s.deliver != nil {
		_ = s.deliver.Deliver(hdr.TypeTag, append([]byte(nil), body...))
	}
}

// --- inbound: control-line reader + watchdog ---

func (s *Session) readControlLoop() {
	defer logging.RecoverPanic(s.logger, "net.Session.readControlLoop", map[string]any{"peer": s.peerID})

	r := bufio.NewReader(s.conn)
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}
		line, err := r.ReadBytes('\t')
		if err != nil {
			s.Close("read_error")
			return
		}
		s.handleControlLine(line)
	}
}

func (s *Session) handleControlLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte{'\t'})
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	if len(line) == 0 {
		return // "+\t" heartbeat / end-of-batch marker
	}
	sign := line[0]
	n, ok := parseUint(line[1:])
	if !ok {
		return
	}
	t := tag.Tag(n)
	s.mu.Lock()
	switch sign {
	case '+':
		s.remote[t] = struct{}{}
	case '-':
		delete(s.remote, t)
	}
	s.mu.Unlock()
}

func parseUint(b []byte) (uint16, bool) {
	if len(b) == 0 {
		return 0, false
	}
	var v uint32
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint32(c-'0')
		if v > 0xFFFF {
			return 0, false
		}
	}
	return uint16(v), true
}

func (s *Session) inboundWatchdog() {
	defer logging.RecoverPanic(s.logger, "net.Session.inboundWatchdog", map[string]any{"peer": s.peerID})
	if s.heartbeatWindow <= 0 {
		return
	}
	ticker := time.NewTicker(s.heartbeatWindow / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			last := s.lastHeartbeat
			s.mu.Unlock()
			if time.Since(last) > s.heartbeatWindow {
				s.Close("heartbeat_timeout")
				return
			}
		}
	}
}

// Wants reports whether this session's peer currently subscribes to t
// (inbound sessions only).
func (s *Session) Wants(t tag.Tag) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.remote[t]
	return ok
}

// SendEnvelope queues one envelope-framed slot for an inbound session's
// peer (spec.md §4.7 "Data stream").
func (s *Session) SendEnvelope(slot []byte) {
	frame, err := AppendFrame(nil, FlagNone, slot)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

// SendAttachmentRef queues only the ref frame (flag=1) that begins a
// fragmented attachment; its segments follow as separate SendEnvelope calls.
func (s *Session) SendAttachmentRef(slot []byte) {
	frame, err := AppendFrame(nil, FlagAttachment, slot)
	if err != nil {
		return
	}
	s.enqueue(frame)
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
