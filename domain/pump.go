package domain

import (
	"time"

	"github.com/tipscore/corebus/config"
	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/internal/logging"
	"github.com/tipscore/corebus/internal/metrics"
	"github.com/tipscore/corebus/ring"
	"github.com/tipscore/corebus/tag"
)

// pump is one of a Domain's worker goroutines draining the local ring's
// outbound tap and relaying onto the IPC ring and/or network sessions
// (spec.md §4.6). Grounded on ws/internal/shared/kafka/consumer.go's
// drain-then-dispatch loop, generalized from "decode one Kafka record, call
// a handler" to "read one envelope, relay it onto zero or more planes".
//
// Sharding is tag % pumpCount, assigning each pump a disjoint slice of the
// type-tag space. This does not preserve ordering across pumps for a
// caller that publishes related messages on different tags; a caller that
// needs strict cross-tag ordering must run with PumpCount=1.
type pump struct {
	index int
	total int

	d *Domain
	h ring.ConsumerHandle

	stopCh chan struct{}
	done   chan struct{}
}

func (d *Domain) startPumps() error {
	localRing := d.local.Ring()
	d.pumps = make([]*pump, d.cfg.PumpCount)
	for i := 0; i < d.cfg.PumpCount; i++ {
		h, err := localRing.Attach()
		if err != nil {
			return err
		}
		p := &pump{
			index:  i,
			total:  d.cfg.PumpCount,
			d:      d,
			h:      h,
			stopCh: make(chan struct{}),
			done:   make(chan struct{}),
		}
		d.pumps[i] = p
		d.wg.Add(1)
		go p.run()
	}
	return nil
}

func (p *pump) stop() {
	close(p.stopCh)
	<-p.done
}

func (p *pump) owns(t uint16) bool {
	if p.total <= 1 {
		return true
	}
	return int(t)%p.total == p.index
}

func (p *pump) run() {
	defer p.d.wg.Done()
	defer close(p.done)
	defer logging.RecoverPanic(p.d.logger, "domain.pump.run", map[string]any{"index": p.index})

	localRing := p.d.local.Ring()
	maxBlocking := blockingSleep(p.d.cfg)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		begin, end := localRing.Peek(p.h, 0)
		if begin == end {
			time.Sleep(maxBlocking)
			continue
		}

		count := int(end - begin)
		for seq := begin; seq < end; {
			slot := localRing.SlotAt(seq)
			hdr := envelope.ReadHeader(slot)
			if !p.owns(uint16(hdr.TypeTag)) {
				seq++
				continue
			}
			if hdr.HasAttachmentRef() {
				// Ref and every segment share this TypeTag (domain.PublishAttachment),
				// so whichever pump owns the tag owns the whole span; relay it as
				// one unit rather than letting each segment fall through relay's
				// single-slot path.
				seq += uint64(p.relayAttachment(hdr, localRing, seq))
				continue
			}
			p.relay(hdr, slot)
			seq++
		}
		localRing.Waste(p.h, count)
	}
}

// relay offers one plain (non-attachment) envelope to the IPC ring and/or
// the network sink, according to the send mask registered for its tag
// (spec.md §4.6).
func (p *pump) relay(hdr envelope.Header, slot []byte) {
	mask := p.d.sendMaskFor(hdr.TypeTag)

	if mask&InterProcess != 0 && p.d.ipc != nil {
		p.relayIPC(hdr, slot)
	}
	if mask&OverNetwork != 0 && p.d.net != nil && hdr.SenderPID != networkOriginPID {
		if err := p.d.net.Publish(hdr.TypeTag, slot); err != nil {
			p.d.logger.Warn().Err(err).Uint16("tag", uint16(hdr.TypeTag)).Msg("network relay failed")
		}
	}
}

// relayAttachment relays one local attachment's ref and segment slots,
// beginning at seq, onto the network and/or IPC planes per the tag's send
// mask, and returns how many slots (1+segment count) the span covers so
// the caller can advance past all of them in one step.
func (p *pump) relayAttachment(hdr envelope.Header, localRing *ring.RingBuffer, seq uint64) int {
	refSlot := localRing.SlotAt(seq)
	ref := envelope.ReadFragRef(envelope.Payload(refSlot))
	segSize := localRing.Width() - envelope.HeaderSize
	segCount := envelope.SegmentsNeeded(int(ref.AttachmentLen), segSize)
	total := 1 + segCount

	mask := p.d.sendMaskFor(hdr.TypeTag)

	if mask&OverNetwork != 0 && p.d.net != nil && hdr.SenderPID != networkOriginPID {
		// net.Session frames over a TCP byte stream, not ring slots, so it
		// has no width mismatch to correct for: relay the ref then each
		// segment exactly as domain published them, same as net.Hub.Publish
		// already does for a plain envelope.
		for i := 0; i < total; i++ {
			s := localRing.SlotAt(seq + uint64(i))
			if err := p.d.net.Publish(hdr.TypeTag, s); err != nil {
				p.d.logger.Warn().Err(err).Uint16("tag", uint16(hdr.TypeTag)).Msg("network relay failed")
				break
			}
		}
	}

	if mask&InterProcess != 0 && p.d.ipc != nil {
		if p.d.ipcTable == nil || p.d.ipcTable.Check(hdr.TypeTag) != 0 {
			body := make([]byte, 0, ref.AttachmentLen)
			for i := 0; i < segCount; i++ {
				segSlot := localRing.SlotAt(seq + 1 + uint64(i))
				segHdr := envelope.ReadHeader(segSlot)
				segBody := envelope.Payload(segSlot)
				n := int(segHdr.InbandLen)
				if n > len(segBody) {
					n = len(segBody)
				}
				body = append(body, segBody[:n]...)
			}
			p.relayIPCBody(hdr.TypeTag, hdr.SenderPID, body)
		}
	}

	return total
}

// relayIPC copies a plain envelope's payload onto the shared IPC ring
// whenever any process — this one included — has registered interest in
// its tag via the shared subscription table. A process that relays its
// own message back to itself relies on context.Context.SetSelfPID to skip
// redelivery.
func (p *pump) relayIPC(hdr envelope.Header, slot []byte) {
	if p.d.ipcTable != nil && p.d.ipcTable.Check(hdr.TypeTag) == 0 {
		return
	}
	p.relayIPCBody(hdr.TypeTag, hdr.SenderPID, envelope.Payload(slot))
}

// relayIPCBody writes body onto the IPC ring as a single inline message if
// it fits the IPC ring's own slot width, or re-frames it as a ref plus
// segments sized to that width otherwise (spec.md §4.6 "write a copy,
// framed per §4.2, into the IPC RingBuffer"). The local and IPC rings can
// be configured with different widths (cfg.NetMaxMessageSizeRuntime vs.
// cfg.IPCMaxMessageSizeRuntime), so a flat slot-to-slot copy would
// truncate anything that fit the local ring but not the IPC one — this is
// the only path that writes onto the IPC ring, so every relay goes
// through the same fit check. Ref and every segment are claimed as one
// contiguous range (mirroring domain.PublishAttachment), so another
// pump's relay traffic can never interleave mid-message on the shared
// ring (spec.md §4.2 "Flow control").
func (p *pump) relayIPCBody(t tag.Tag, senderPID uint32, body []byte) {
	ipcRing := p.d.ipc.Ring()
	inlineCap := envelope.MaxInlinePayload(ipcRing.Width())

	if len(body) <= inlineCap {
		claimed := ipcRing.Claim(1)
		dst := claimed.Slots(ipcRing)[0]
		envelope.WriteHeader(dst, envelope.Header{TypeTag: t, SenderPID: senderPID})
		payload := envelope.Payload(dst)
		n := copy(payload, body)
		for i := n; i < len(payload); i++ {
			payload[i] = 0
		}
		ipcRing.Commit(claimed)
		metrics.RingClaims.WithLabelValues("ipc").Inc()
		return
	}

	segCount := envelope.SegmentsNeeded(len(body), inlineCap)
	claimed := ipcRing.Claim(1 + segCount)
	slots := claimed.Slots(ipcRing)

	envelope.WriteHeader(slots[0], envelope.Header{
		TypeTag:   t,
		DescFlag:  envelope.FlagAttachmentRef,
		SenderPID: senderPID,
	})
	envelope.WriteFragRef(envelope.Payload(slots[0]), envelope.FragRef{
		OriginalTag:   t,
		AttachmentLen: uint32(len(body)),
	})

	off := 0
	for i := 0; i < segCount; i++ {
		n := inlineCap
		if rem := len(body) - off; rem < n {
			n = rem
		}
		envelope.WriteHeader(slots[1+i], envelope.Header{
			TypeTag:   t,
			SenderPID: senderPID,
			InbandTag: t,
			InbandLen: uint16(n),
		})
		copy(envelope.Payload(slots[1+i]), body[off:off+n])
		off += n
	}

	ipcRing.Commit(claimed)
	metrics.RingClaims.WithLabelValues("ipc").Inc()
}

func blockingSleep(cfg *config.Config) time.Duration {
	if cfg.PumpMaxBlockingSec <= 0 {
		return time.Millisecond
	}
	return time.Duration(cfg.PumpMaxBlockingSec * float64(time.Second))
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
