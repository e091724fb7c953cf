// Package antientropy runs the per-node health-reporting and repair
// sweep that keeps replicas converging without a write ever touching
// them directly (§4.7's anti-entropy loop, §5's interval defaults).
package antientropy

import (
	"context"
	"strconv"
	"time"

	"github.com/cuemby/rimio/pkg/clusterclient"
	"github.com/cuemby/rimio/pkg/log"
	"github.com/cuemby/rimio/pkg/metrics"
	"github.com/cuemby/rimio/pkg/registry"
	"github.com/cuemby/rimio/pkg/repair"
	"github.com/cuemby/rimio/pkg/slotmanager"
)

// Default intervals from §5.
const (
	DefaultHealthInterval = 30 * time.Second
	DefaultSweepInterval  = 60 * time.Second
)

// PeerResolver maps a node_id to the address a peer dials it on.
type PeerResolver func(nodeID string) (addr string, ok bool)

// Loop owns this node's periodic health reporting and anti-entropy
// sweeps across every slot it is assigned.
type Loop struct {
	nodeID  string
	reg     registry.Registry
	slots   *slotmanager.Manager
	client  *clusterclient.Client
	repair  *repair.Engine
	resolve PeerResolver

	HealthInterval time.Duration
	SweepInterval  time.Duration
}

// NewLoop constructs a Loop with the default intervals.
func NewLoop(nodeID string, reg registry.Registry, slots *slotmanager.Manager, client *clusterclient.Client, repairEngine *repair.Engine, resolve PeerResolver) *Loop {
	return &Loop{
		nodeID:         nodeID,
		reg:            reg,
		slots:          slots,
		client:         client,
		repair:         repairEngine,
		resolve:        resolve,
		HealthInterval: DefaultHealthInterval,
		SweepInterval:  DefaultSweepInterval,
	}
}

// Run drives the loop until ctx is cancelled: a ticker-driven health
// report, a ticker-driven full sweep, and a watch-driven sweep triggered
// the moment a peer's health report advances beyond our own cursor.
func (l *Loop) Run(ctx context.Context) error {
	watchCh, err := l.reg.Watch(ctx)
	if err != nil {
		return err
	}

	healthTicker := time.NewTicker(l.HealthInterval)
	sweepTicker := time.NewTicker(l.SweepInterval)
	defer healthTicker.Stop()
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-healthTicker.C:
			l.reportHealth(ctx)

		case <-sweepTicker.C:
			l.sweep(ctx)
			metrics.AntiEntropyCyclesTotal.Inc()

		case ev, ok := <-watchCh:
			if !ok {
				watchCh = nil
				continue
			}
			if ev.Kind == registry.SlotEventHealth && l.slots.HasSlot(ev.SlotID) {
				l.sweepSlot(ctx, ev.SlotID)
			}
		}
	}
}

func (l *Loop) reportHealth(ctx context.Context) {
	for _, slotID := range l.slots.AssignedSlots() {
		slot, err := l.slots.GetSlot(slotID)
		if err != nil {
			continue
		}
		gen, _, ok, err := slot.Meta.GetLatestHeadID()
		if err != nil {
			lg := log.WithSlotID(slotID)
			lg.Warn().Err(err).Msg("anti-entropy: reading local cursor failed")
			continue
		}
		token := "0"
		if ok {
			token = strconv.FormatInt(gen, 10)
		}
		if err := l.reg.ReportHealth(ctx, slotID, l.nodeID, token); err != nil {
			lg := log.WithSlotID(slotID)
			lg.Warn().Err(err).Msg("anti-entropy: reporting health failed")
		}
	}
}

func (l *Loop) sweep(ctx context.Context) {
	for _, slotID := range l.slots.AssignedSlots() {
		l.sweepSlot(ctx, slotID)
	}
}

// sweepSlot compares this node's cursor for slotID against every peer's
// last-reported progress and repairs every head the peer holds that we
// don't yet have.
func (l *Loop) sweepSlot(ctx context.Context, slotID uint32) {
	slot, err := l.slots.GetSlot(slotID)
	if err != nil {
		return
	}

	var localCursor int64
	gen, _, ok, err := slot.Meta.GetLatestHeadID()
	if err != nil {
		lg := log.WithSlotID(slotID)
		lg.Warn().Err(err).Msg("anti-entropy: reading local cursor failed")
		return
	}
	if ok {
		localCursor = gen
	}

	reports, err := l.reg.GetHealthyReplicas(ctx, slotID)
	if err != nil {
		lg := log.WithSlotID(slotID)
		lg.Warn().Err(err).Msg("anti-entropy: listing peer health failed")
		return
	}

	for _, r := range reports {
		if r.NodeID == l.nodeID {
			continue
		}
		peerGen, err := strconv.ParseInt(r.ProgressToken, 10, 64)
		if err != nil || peerGen <= localCursor {
			continue
		}
		addr, ok := l.resolve(r.NodeID)
		if !ok {
			continue
		}

		heads, err := l.client.ListHeadsAfter(ctx, addr, slotID, localCursor)
		if err != nil {
			lg := log.WithSlotID(slotID)
			lg.Warn().Err(err).Str("peer", r.NodeID).Msg("anti-entropy: fetching heads after cursor failed")
			continue
		}
		for _, head := range heads {
			if err := l.repair.RepairPathFromHead(ctx, slot, addr, head); err != nil {
				lg := log.WithSlotID(slotID)
				lg.Warn().Err(err).Str("path", head.Path).Msg("anti-entropy: repair from head failed")
			}
		}
	}
}
