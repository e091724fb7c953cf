// Package twopc implements the coordinator and participant roles of the
// two-phase commit protocol that keeps a slot's replicas agreed on the
// current head (§4.6). Any replica may coordinate; there is no election.
package twopc

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/rimio/pkg/clusterclient"
	"github.com/cuemby/rimio/pkg/log"
	"github.com/cuemby/rimio/pkg/metrics"
	"github.com/cuemby/rimio/pkg/rimerr"
	"github.com/cuemby/rimio/pkg/slotmanager"
	"github.com/cuemby/rimio/pkg/types"
)

// DefaultPrepareTTL is T_prepare: how long a staged-but-undecided intent
// may sit before it is considered abandoned, per §5's timeout defaults.
const DefaultPrepareTTL = 30 * time.Second

// Intent is the proposed mutation of one (slot, path), carried in Prepare
// and staged write-ahead by every participant that votes Yes.
type Intent struct {
	TxID       string               `json:"tx_id"`
	SlotID     uint32               `json:"slot_id"`
	Path       string               `json:"path"`
	Generation int64                `json:"generation"`
	HeadKind   types.HeadKind       `json:"head_kind"`
	Meta       *types.BlobMeta      `json:"meta,omitempty"`
	Tombstone  *types.TombstoneMeta `json:"tombstone,omitempty"`
	HeadSHA256 string               `json:"head_sha256"`
}

type pending struct {
	intent Intent
	staged time.Time
}

// Manager is the participant side of 2PC: it votes on Prepare, stages the
// intent durably before acking Yes, and applies or discards it on Commit
// or Abort. One Manager serves every slot this node owns.
type Manager struct {
	nodeID string
	slots  *slotmanager.Manager
	ttl    time.Duration

	mu      sync.Mutex
	pending map[string]*pending      // tx_id -> intent awaiting decision
	decided map[string]types.TxState // tx_id -> terminal state, for idempotent replay
}

// NewManager creates a participant Manager for this node's slots.
func NewManager(nodeID string, slots *slotmanager.Manager, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultPrepareTTL
	}
	return &Manager{
		nodeID:  nodeID,
		slots:   slots,
		ttl:     ttl,
		pending: make(map[string]*pending),
		decided: make(map[string]types.TxState),
	}
}

// Prepare votes on a proposed intent. A participant votes Yes iff its
// metadata store has no head with generation >= intent.Generation for this
// path, and it can durably stage the intended head. Idempotent: re-preparing
// the same tx_id returns the same vote without re-evaluating generations.
func (m *Manager) Prepare(ctx context.Context, intent Intent) (types.Vote, error) {
	logger := log.WithTxID(intent.TxID)

	m.mu.Lock()
	if state, ok := m.decided[intent.TxID]; ok {
		m.mu.Unlock()
		return types.Vote{Yes: state == types.TxCommitted}, nil
	}
	if p, ok := m.pending[intent.TxID]; ok {
		m.mu.Unlock()
		return types.Vote{Yes: p.intent.Generation == intent.Generation}, nil
	}
	m.mu.Unlock()

	slot, err := m.slots.GetSlot(intent.SlotID)
	if err != nil {
		return types.Vote{Yes: false, Reason: err.Error()}, nil
	}

	head, err := slot.Meta.GetCurrentHead(intent.Path)
	if err != nil {
		return types.Vote{Yes: false, Reason: err.Error()}, nil
	}
	if head != nil && head.Generation >= intent.Generation {
		logger.Info().Str("path", intent.Path).Int64("generation", intent.Generation).
			Msg("2pc prepare: rejecting stale or conflicting generation")
		return types.Vote{Yes: false, Reason: "generation already superseded"}, nil
	}

	data, err := json.Marshal(intent)
	if err != nil {
		return types.Vote{Yes: false, Reason: err.Error()}, nil
	}
	if err := slot.Meta.StageIntent(intent.TxID, data); err != nil {
		return types.Vote{Yes: false, Reason: err.Error()}, nil
	}

	m.mu.Lock()
	m.pending[intent.TxID] = &pending{intent: intent, staged: time.Now()}
	m.mu.Unlock()

	return types.Vote{Yes: true}, nil
}

// Commit applies a previously staged intent. Idempotent: a second Commit
// for an already-applied tx_id is a no-op success. An intent missing from
// the in-memory table is looked up in the durable intent store, so a
// decision arriving after a participant restart still applies.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	m.mu.Lock()
	if state, ok := m.decided[txID]; ok {
		m.mu.Unlock()
		if state != types.TxCommitted {
			return rimerr.Newf(rimerr.KindTwoPhaseCommit, "tx %s already decided %s, cannot commit", txID, state)
		}
		return nil
	}
	p, ok := m.pending[txID]
	m.mu.Unlock()
	if !ok {
		p = m.findStaged(txID)
	}
	if p == nil {
		return rimerr.Newf(rimerr.KindTwoPhaseCommit, "no staged intent for tx %s", txID)
	}

	slot, err := m.slots.GetSlot(p.intent.SlotID)
	if err != nil {
		return err
	}

	var applied bool
	switch p.intent.HeadKind {
	case types.HeadTombstone:
		applied, err = slot.Meta.InsertTombstoneWithPayload(*p.intent.Tombstone, p.intent.HeadSHA256)
	default:
		applied, err = slot.Meta.UpsertMetaWithPayload(*p.intent.Meta, p.intent.HeadSHA256)
	}
	if err != nil {
		return err
	}
	if !applied {
		lg := log.WithTxID(txID)
		lg.Warn().Msg("2pc commit: head already superseded locally, treating as already applied")
	}

	if err := slot.Meta.DeleteIntent(txID); err != nil {
		lg := log.WithTxID(txID)
		lg.Warn().Err(err).Msg("2pc commit: failed to clear staged intent")
	}

	m.mu.Lock()
	delete(m.pending, txID)
	m.decided[txID] = types.TxCommitted
	m.mu.Unlock()

	metrics.TxOutcomesTotal.WithLabelValues("committed").Inc()
	return nil
}

// Abort discards a previously staged intent. Idempotent.
func (m *Manager) Abort(ctx context.Context, txID string) error {
	m.mu.Lock()
	if state, ok := m.decided[txID]; ok {
		m.mu.Unlock()
		if state != types.TxAborted {
			return rimerr.Newf(rimerr.KindTwoPhaseCommit, "tx %s already decided %s, cannot abort", txID, state)
		}
		return nil
	}
	p, ok := m.pending[txID]
	m.mu.Unlock()
	if !ok {
		p = m.findStaged(txID)
	}

	if p != nil {
		if slot, err := m.slots.GetSlot(p.intent.SlotID); err == nil {
			_ = slot.Meta.DeleteIntent(txID)
		}
	}

	m.mu.Lock()
	delete(m.pending, txID)
	m.decided[txID] = types.TxAborted
	m.mu.Unlock()

	metrics.TxOutcomesTotal.WithLabelValues("aborted").Inc()
	return nil
}

// Recover reloads durably staged intents from every assigned slot into the
// pending table. A participant restarted between its Yes vote and the
// coordinator's decision can then still apply Commit or Abort when it
// arrives. Reloaded intents age against T_prepare from recovery time;
// ones whose coordinator never resurfaces fall to ExpireStale.
func (m *Manager) Recover() error {
	for _, slotID := range m.slots.AssignedSlots() {
		slot, err := m.slots.GetSlot(slotID)
		if err != nil {
			return err
		}
		staged, err := slot.Meta.ListStagedIntents()
		if err != nil {
			return err
		}
		for txID, data := range staged {
			var intent Intent
			if err := json.Unmarshal(data, &intent); err != nil {
				lg := log.WithTxID(txID)
				lg.Warn().Err(err).Msg("2pc recover: dropping undecodable staged intent")
				_ = slot.Meta.DeleteIntent(txID)
				continue
			}
			m.mu.Lock()
			if _, done := m.decided[txID]; !done {
				m.pending[txID] = &pending{intent: intent, staged: time.Now()}
			}
			m.mu.Unlock()
		}
	}
	return nil
}

// findStaged looks a transaction up in the durable intent store and, on a
// hit, re-admits it to the pending table. Covers a decision racing ahead
// of Recover after a restart.
func (m *Manager) findStaged(txID string) *pending {
	for _, slotID := range m.slots.AssignedSlots() {
		slot, err := m.slots.GetSlot(slotID)
		if err != nil {
			continue
		}
		data, ok, err := slot.Meta.GetStagedIntent(txID)
		if err != nil || !ok {
			continue
		}
		var intent Intent
		if err := json.Unmarshal(data, &intent); err != nil {
			continue
		}
		p := &pending{intent: intent, staged: time.Now()}
		m.mu.Lock()
		m.pending[txID] = p
		m.mu.Unlock()
		return p
	}
	return nil
}

// ExpireStale aborts every locally-staged intent older than the configured
// T_prepare TTL, implementing §4.6's "coordinator crash before decision
// implicitly aborts once prepared state expires".
func (m *Manager) ExpireStale(ctx context.Context) {
	now := time.Now()
	m.mu.Lock()
	var stale []string
	for txID, p := range m.pending {
		if now.Sub(p.staged) > m.ttl {
			stale = append(stale, txID)
		}
	}
	m.mu.Unlock()

	for _, txID := range stale {
		lg := log.WithTxID(txID)
		lg.Info().Msg("2pc: expiring stale prepared intent past T_prepare")
		_ = m.Abort(ctx, txID)
		metrics.TxOutcomesTotal.WithLabelValues("timed_out").Inc()
	}
}

// Resolver maps a node_id to the address a peer dials it on, and reports
// whether nodeID is this process itself (in which case the coordinator
// talks to its own Manager directly instead of over HTTP).
type Resolver func(nodeID string) (addr string, isLocal bool, err error)

// Coordinator drives Begin/Prepare/Decide/Apply for write transactions
// this node receives. It is itself a participant for any slot it owns.
type Coordinator struct {
	nodeID  string
	local   *Manager
	client  *clusterclient.Client
	resolve Resolver
}

// NewCoordinator creates a Coordinator. local is this node's own Manager,
// used when a participant happens to be this node.
func NewCoordinator(nodeID string, local *Manager, client *clusterclient.Client, resolve Resolver) *Coordinator {
	return &Coordinator{nodeID: nodeID, local: local, client: client, resolve: resolve}
}

// Outcome is the terminal result of a Propose call.
type Outcome struct {
	TxID  string
	State types.TxState
}

// Propose runs the full 2PC protocol for one mutation of (slot, path)
// across replicas. After the decision is reached it sends the decision to
// every replica and returns only once each replica has acknowledged it or
// its apply retries have stopped (see applyOneWithRetry); a replica that
// never acknowledged is left to anti-entropy.
func (c *Coordinator) Propose(ctx context.Context, slotID uint32, path string, generation int64, headKind types.HeadKind, meta *types.BlobMeta, tombstone *types.TombstoneMeta, headSHA256 string, replicas []string) (Outcome, error) {
	txID := uuid.NewString()
	logger := log.WithTxID(txID).With().Uint32("slot_id", slotID).Str("path", path).Logger()

	intent := Intent{
		TxID:       txID,
		SlotID:     slotID,
		Path:       path,
		Generation: generation,
		HeadKind:   headKind,
		Meta:       meta,
		Tombstone:  tombstone,
		HeadSHA256: headSHA256,
	}

	prepareCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	votes := make([]bool, len(replicas))
	var wg sync.WaitGroup
	for i, nodeID := range replicas {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			votes[i] = c.prepareOne(prepareCtx, nodeID, intent)
		}(i, nodeID)
	}
	wg.Wait()

	allYes := true
	for _, v := range votes {
		if !v {
			allYes = false
			break
		}
	}

	state := types.TxAborted
	if allYes {
		state = types.TxCommitted
	}
	logger.Info().Bool("committed", allYes).Msg("2pc: decision reached")

	// Apply (or abort) on every participant, retrying with backoff until it
	// acks; retries stop once the 60-second apply deadline passes or the
	// retry budget is spent, whichever comes first.
	applyCtx, applyCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer applyCancel()
	var applyWg sync.WaitGroup
	for _, nodeID := range replicas {
		applyWg.Add(1)
		go func(nodeID string) {
			defer applyWg.Done()
			c.applyOneWithRetry(applyCtx, nodeID, txID, state)
		}(nodeID)
	}
	applyWg.Wait()

	return Outcome{TxID: txID, State: state}, nil
}

func (c *Coordinator) prepareOne(ctx context.Context, nodeID string, intent Intent) bool {
	addr, isLocal, err := c.resolve(nodeID)
	if err != nil {
		lg := log.WithTxID(intent.TxID)
		lg.Warn().Str("node_id", nodeID).Err(err).Msg("2pc prepare: cannot resolve participant")
		return false
	}
	if isLocal {
		vote, err := c.local.Prepare(ctx, intent)
		return err == nil && vote.Yes
	}

	vote, err := c.client.Prepare(ctx, addr, intent.TxID, clusterclient.PrepareRequest{
		SlotID:     intent.SlotID,
		Path:       intent.Path,
		Generation: intent.Generation,
		HeadKind:   intent.HeadKind,
		Meta:       intent.Meta,
		Tombstone:  intent.Tombstone,
		HeadSHA256: intent.HeadSHA256,
	})
	if err != nil {
		return false
	}
	return vote.Yes
}

func (c *Coordinator) applyOneWithRetry(ctx context.Context, nodeID, txID string, state types.TxState) {
	addr, isLocal, err := c.resolve(nodeID)
	if err != nil {
		lg := log.WithTxID(txID)
		lg.Warn().Str("node_id", nodeID).Err(err).Msg("2pc apply: cannot resolve participant")
		return
	}

	backoff := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		var applyErr error
		if isLocal {
			if state == types.TxCommitted {
				applyErr = c.local.Commit(ctx, txID)
			} else {
				applyErr = c.local.Abort(ctx, txID)
			}
		} else if state == types.TxCommitted {
			applyErr = c.client.Commit(ctx, addr, txID)
		} else {
			applyErr = c.client.Abort(ctx, addr, txID)
		}

		if applyErr == nil {
			return
		}
		select {
		case <-ctx.Done():
			lg := log.WithTxID(txID)
			lg.Warn().Str("node_id", nodeID).Msg("2pc apply: giving up, deadline exceeded")
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
		if attempt > 20 {
			lg := log.WithTxID(txID)
			lg.Error().Str("node_id", nodeID).Msg("2pc apply: exceeded retry budget")
			return
		}
	}
}
