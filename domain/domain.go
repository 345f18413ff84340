// Package domain composes a local Context with an optional shared-memory
// (IPC) Context and one or more Pumps that bridge the two planes and the
// network (spec.md §4.6). It is the top-level object an embedding
// application constructs; cmd/tipsd wires one up end to end.
//
// Grounded on ws/internal/multi/shard.go's Shard (owns a server plus a
// goroutine draining a central bus) and ws/internal/multi/broadcast.go's
// BroadcastBus, reinterpreted: where the teacher fans WebSocket broadcasts
// out from one central bus to per-shard listeners, a Domain fans envelopes
// from its local ring out to the IPC ring and network sessions.
package domain

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs" // sets GOMAXPROCS from the container's cgroup quota on import, per every adred-codev-ws_poc main.go

	"github.com/tipscore/corebus/config"
	corectx "github.com/tipscore/corebus/context"
	"github.com/tipscore/corebus/ring"
	"github.com/tipscore/corebus/shm"
	"github.com/tipscore/corebus/subtable"
	"github.com/tipscore/corebus/tag"
)

// SendMask controls which of the three delivery planes a message type may
// use (spec.md §4.6 "Send-disable bitmask").
type SendMask uint8

const (
	InterThread  SendMask = 1 << 0
	InterProcess SendMask = 1 << 1
	OverNetwork  SendMask = 1 << 2
	SendAll               = InterThread | InterProcess | OverNetwork
)

// NetworkSink is implemented by net.Session/net.Advertiser's owner so
// domain can hand off a network-bound envelope without importing the net
// package (which itself depends on domain's subscription bookkeeping).
// Subscribe/Unsubscribe propagate a newly (un)registered local interest to
// every already-connected outbound session, so a Node admitted after a
// peer connection was established still reaches that peer (spec.md §4.7
// "Discovery" assumes a live session's subscription set can grow).
type NetworkSink interface {
	Publish(t tag.Tag, frame []byte) error
	Subscribe(t tag.Tag)
	Unsubscribe(t tag.Tag)
}

// Domain is the composition root: one local broadcast Context, an
// optional IPC Context backed by shared memory, and a pool of Pumps.
type Domain struct {
	cfg    *config.Config
	logger zerolog.Logger

	local      *corectx.Context
	localTable *subtable.Table

	ipc         *corectx.Context
	ipcTable    *subtable.Table
	ipcShm      *shm.Segment // backing store for the IPC ring
	ipcTableShm *shm.Segment // backing store for the shared subtable; nil if it fell back to a private table

	net NetworkSink // nil until a caller wires one in via SetNetworkSink

	masks   map[tag.Tag]SendMask
	masksMu sync.RWMutex

	pumps []*pump
	wg    sync.WaitGroup
}

// New builds a Domain's local Context and its IPC Context but does not
// start Pumps — call Start for that. The IPC Context is always built: New
// fails if the IPC ring's shared-memory segment cannot be opened.
func New(cfg *config.Config, logger zerolog.Logger) (*Domain, error) {
	localRing := ring.New(cfg.RingDepth(), cfg.NetMaxMessageSizeRuntime, maxConsumers(cfg))
	localTable := subtable.New()
	local := corectx.New(localRing, corectx.Broadcast, localTable, "local", logger)

	d := &Domain{
		cfg:        cfg,
		logger:     logger,
		local:      local,
		localTable: localTable,
		masks:      make(map[tag.Tag]SendMask),
	}

	if err := d.setupIPC(cfg); err != nil {
		return nil, err
	}

	return d, nil
}

func maxConsumers(cfg *config.Config) int {
	return cfg.PumpCount + 64 // Pumps plus headroom for Node subscribers
}

func (d *Domain) setupIPC(cfg *config.Config) error {
	depth := cfg.RingDepth()
	width := cfg.IPCMaxMessageSizeRuntime
	ringPayload := depth * width

	seg, err := shm.Open(fmt.Sprintf("tips-ipc-ring-%s", cfg.IfaceAddr), shm.HeaderSize+ringPayload, shm.Ownership(cfg.IPCTransportOwnership))
	if err != nil {
		return fmt.Errorf("domain: open IPC ring segment: %w", err)
	}

	ipcRing := ring.Open(seg.Payload(), depth, width, maxConsumers(cfg))
	ipcTable, tableSeg := openOrCreateIPCSubtable(cfg)
	ipc := corectx.New(ipcRing, corectx.Broadcast, ipcTable, "ipc", d.logger)
	ipc.SetSelfPID(uint32(os.Getpid()))

	d.ipc = ipc
	d.ipcTable = ipcTable
	d.ipcShm = seg
	d.ipcTableShm = tableSeg
	return nil
}

// openOrCreateIPCSubtable returns the shared subtable.Table and the
// shm.Segment backing it (nil if the Domain fell back to a private table).
func openOrCreateIPCSubtable(cfg *config.Config) (*subtable.Table, *shm.Segment) {
	seg, err := shm.Open(fmt.Sprintf("tips-ipc-subtable-%s", cfg.IfaceAddr), shm.HeaderSize+subtable.Size, shm.Ownership(cfg.IPCTransportOwnership))
	if err != nil {
		// The subscription table is an optimization (cheap "anyone
		// interested?" queries); falling back to a private table keeps the
		// Domain usable, just without cross-process visibility.
		return subtable.New(), nil
	}
	return subtable.Open(seg.Payload()), seg
}

// SetNetworkSink wires in the network plane; until called, OverNetwork
// sends are no-ops.
func (d *Domain) SetNetworkSink(sink NetworkSink) { d.net = sink }

// SetSendMask restricts which planes tag t may use. Tags with no explicit
// mask default to SendAll.
func (d *Domain) SetSendMask(t tag.Tag, mask SendMask) {
	d.masksMu.Lock()
	d.masks[t] = mask
	d.masksMu.Unlock()
}

func (d *Domain) sendMaskFor(t tag.Tag) SendMask {
	d.masksMu.RLock()
	defer d.masksMu.RUnlock()
	if m, ok := d.masks[t]; ok {
		return m
	}
	return SendAll
}

// LocalTable exposes the in-process subscription table, e.g. for metrics.
func (d *Domain) LocalTable() *subtable.Table { return d.localTable }

// IPCTable exposes the shared subscription table, or a private one if its
// shared-memory segment could not be opened.
func (d *Domain) IPCTable() *subtable.Table { return d.ipcTable }

// Start admits the purger(s) and launches the configured number of Pumps.
func (d *Domain) Start() error {
	d.local.StartPurger(secondsToDuration(d.cfg.IPCPurgeIntervalSeconds))
	if d.ipc != nil {
		d.ipc.StartPurger(secondsToDuration(d.cfg.IPCPurgeIntervalSeconds))
	}
	return d.startPumps()
}

// Shutdown stops every Pump and both Contexts, releasing the IPC segment
// last so a concurrently-starting sibling process never attaches to
// storage this process is in the middle of tearing down.
func (d *Domain) Shutdown() {
	for _, p := range d.pumps {
		p.stop()
	}
	d.wg.Wait()
	d.local.Shutdown()
	if d.ipc != nil {
		d.ipc.Shutdown()
	}
	if d.ipcShm != nil {
		if err := d.ipcShm.Close(); err != nil {
			d.logger.Error().Err(err).Msg("closing IPC ring segment")
		}
	}
	if d.ipcTableShm != nil {
		if err := d.ipcTableShm.Close(); err != nil {
			d.logger.Error().Err(err).Msg("closing IPC subtable segment")
		}
	}
}
