package domain

import (
	"fmt"
	"os"

	corectx "github.com/tipscore/corebus/context"
	"github.com/tipscore/corebus/dispatch"
	"github.com/tipscore/corebus/envelope"
	"github.com/tipscore/corebus/ring"
	"github.com/tipscore/corebus/tag"
)

// Node describes one resident subscriber a caller wants admitted onto a
// Domain — the public-facing counterpart of context.Subscriber, adding the
// IPC opt-in spec.md §4.4 calls "per-node registration".
type Node struct {
	Interests  []tag.Interest
	Dispatcher *dispatch.Dispatcher
	MaxBatch   int

	// WantsIPC also admits this Node onto the Domain's IPC Context, so it
	// receives envelopes published by sibling processes. Has no effect if
	// the Domain has no IPC Context configured.
	WantsIPC bool

	OnStart    func()
	OnStop     func(err error)
	OnDrop     func()
	OnBatchEnd func(count int)
}

func (n *Node) toSubscriber() corectx.Subscriber {
	return corectx.Subscriber{
		Interests:  n.Interests,
		Dispatcher: n.Dispatcher,
		MaxBatch:   n.MaxBatch,
		OnStart:    n.OnStart,
		OnStop:     n.OnStop,
		OnDrop:     n.OnDrop,
		OnBatchEnd: n.OnBatchEnd,
	}
}

// NodeHandle lets a caller later remove a Node from every Context it was
// admitted to.
type NodeHandle struct {
	local     ring.ConsumerHandle
	ipc       ring.ConsumerHandle
	hasIPC    bool
	interests []tag.Interest
}

// AddNode admits n onto the local Context, and onto the IPC Context too
// when n.WantsIPC is set and IPC is configured. Any interest tag that just
// went from zero to one local subscriber is also subscribed over the
// network plane, so a Node admitted after a peer session was already
// established still reaches that peer (spec.md §4.7 "Discovery").
func (d *Domain) AddNode(n *Node) (NodeHandle, error) {
	localHandle, err := d.local.Admit(n.toSubscriber())
	if err != nil {
		return NodeHandle{}, fmt.Errorf("domain: admit node locally: %w", err)
	}

	h := NodeHandle{local: localHandle, interests: n.Interests}
	if n.WantsIPC && d.ipc != nil {
		ipcHandle, err := d.ipc.Admit(n.toSubscriber())
		if err != nil {
			d.local.Drop(localHandle)
			return NodeHandle{}, fmt.Errorf("domain: admit node onto IPC: %w", err)
		}
		h.ipc = ipcHandle
		h.hasIPC = true
	}

	if d.net != nil {
		for _, interest := range n.Interests {
			if interest.IsRange() {
				continue // ranged interests aren't individually trackable tags; skip network propagation
			}
			if d.localTable.Check(interest.Start) == 1 {
				d.net.Subscribe(interest.Start)
			}
		}
	}

	return h, nil
}

// RemoveNode drops a Node from every Context it was admitted to, and
// unsubscribes any interest tag that dropped back to zero local
// subscribers from the network plane.
func (d *Domain) RemoveNode(h NodeHandle) {
	d.local.Drop(h.local)
	if h.hasIPC && d.ipc != nil {
		d.ipc.Drop(h.ipc)
	}

	if d.net != nil {
		for _, interest := range h.interests {
			if interest.IsRange() {
				continue
			}
			if d.localTable.Check(interest.Start) == 0 {
				d.net.Unsubscribe(interest.Start)
			}
		}
	}
}

// Publish writes an envelope onto the local ring; the local Context fans
// it out to every admitted Node immediately, and (unless mask excludes
// InterProcess/OverNetwork) a Pump later relays it onto the IPC ring and/or
// network sessions (spec.md §4.6).
func (d *Domain) Publish(t tag.Tag, payload []byte) error {
	r := d.local.Ring()
	maxPayload := envelope.MaxInlinePayload(r.Width())
	if len(payload) > maxPayload {
		return fmt.Errorf("domain: publish tag %d: %w (max %d, got %d)", t, envelope.ErrPayloadTooLarge, maxPayload, len(payload))
	}

	claimed := r.Claim(1)
	slot := claimed.Slots(r)[0]
	envelope.WriteHeader(slot, envelope.Header{
		TypeTag:   t,
		SenderPID: uint32(os.Getpid()),
	})
	copy(envelope.Payload(slot), payload)
	r.Commit(claimed)
	return nil
}

// networkOriginPID stamps envelopes a Session handed to Deliver, so a Pump
// never relays a message back out over the network it just arrived from
// (spec.md §4.7 "Data stream" never documents reflection, and reflecting a
// received message would otherwise loop it around every connected peer).
const networkOriginPID = ^uint32(0)

// Deliver implements net.Deliverer: a Session invokes it with a message a
// peer streamed to this process, already reassembled if it was fragmented.
// It writes the message onto the local ring exactly like Publish, so every
// admitted Node receives it, but stamped with networkOriginPID instead of
// this process's real pid.
func (d *Domain) Deliver(t tag.Tag, payload []byte) error {
	r := d.local.Ring()
	maxPayload := envelope.MaxInlinePayload(r.Width())
	if len(payload) > maxPayload {
		return fmt.Errorf("domain: deliver tag %d: %w (max %d, got %d)", t, envelope.ErrPayloadTooLarge, maxPayload, len(payload))
	}

	claimed := r.Claim(1)
	slot := claimed.Slots(r)[0]
	envelope.WriteHeader(slot, envelope.Header{
		TypeTag:   t,
		SenderPID: networkOriginPID,
	})
	copy(envelope.Payload(slot), payload)
	r.Commit(claimed)
	return nil
}

// PublishAttachment writes body framed as an in-band attachment reference
// plus its fragments (spec.md §4.2), whatever body's length: a body that
// would fit one slot inline still takes a ref slot and a segment slot.
// The ref and every segment are claimed as one
// contiguous range (spec.md §4.2 "Flow control"), so no other producer's
// slots can interleave and break reassembly.
func (d *Domain) PublishAttachment(t tag.Tag, body []byte) error {
	r := d.local.Ring()
	segSize := envelope.MaxInlinePayload(r.Width())
	if segSize <= 0 {
		return fmt.Errorf("domain: publish attachment tag %d: ring width %d too small for a header", t, r.Width())
	}

	segCount := envelope.SegmentsNeeded(len(body), segSize)
	claimed := r.Claim(1 + segCount)
	slots := claimed.Slots(r)
	pid := uint32(os.Getpid())

	envelope.WriteHeader(slots[0], envelope.Header{
		TypeTag:   t,
		DescFlag:  envelope.FlagAttachmentRef,
		SenderPID: pid,
	})
	envelope.WriteFragRef(envelope.Payload(slots[0]), envelope.FragRef{
		OriginalTag:   t,
		AttachmentLen: uint32(len(body)),
	})

	off := 0
	for i := 0; i < segCount; i++ {
		n := segSize
		if rem := len(body) - off; rem < n {
			n = rem
		}
		envelope.WriteHeader(slots[1+i], envelope.Header{
			TypeTag:   t,
			SenderPID: pid,
			InbandTag: t,
			InbandLen: uint16(n),
		})
		copy(envelope.Payload(slots[1+i]), body[off:off+n])
		off += n
	}

	r.Commit(claimed)
	return nil
}
