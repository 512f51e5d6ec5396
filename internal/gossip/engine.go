// Package gossip implements epidemic peer discovery: heartbeats,
// duplicate-suppressed forwarding, and peer table population on
// receipt, grounded on gossip/pkg/gossiper.go's round structure but
// reworked from its RPC push-pull exchange to the UDP forward-flood
// shape spec.md §4.B requires.
package gossip

import (
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mcastellin/omnode/internal/errs"
	"github.com/mcastellin/omnode/internal/idgen"
	"github.com/mcastellin/omnode/internal/peer"
	"github.com/mcastellin/omnode/internal/wire"
)

// Fanout is the number of peers a unique gossip message is forwarded
// to on each hop. Must exceed 1 for mesh healing after partial loss.
const Fanout = 3

// seenCacheSize bounds the duplicate-suppression cache. spec.md §4.B
// requires at least 1024 entries.
const seenCacheSize = 1024

// HeartbeatInterval is how often this node emits its own gossip
// heartbeat.
const HeartbeatInterval = 60 * time.Second

// Sender abstracts the orchestrator's outbound UDP socket so the engine
// can be tested without a real network.
type Sender interface {
	SendTo(peerKey string, data []byte) error
}

// Engine implements the Gossip Engine component (spec.md §4.B).
type Engine struct {
	selfKey  string
	selfHost string
	selfPort int

	table  *peer.Table
	sender Sender
	seen   *seenIDs
	logger *zap.Logger
}

// New creates a Gossip Engine for a node identified by selfKey
// (host:port), using table for membership and sender for outbound
// datagrams.
func New(selfKey, selfHost string, selfPort int, table *peer.Table, sender Sender, logger *zap.Logger) *Engine {
	return &Engine{
		selfKey:  selfKey,
		selfHost: selfHost,
		selfPort: selfPort,
		table:    table,
		sender:   sender,
		seen:     newSeenIDs(seenCacheSize),
		logger:   logger,
	}
}

// OnReceive handles an inbound gossip datagram from sender. Unseen
// messages record the sender as a live peer and are forwarded to up to
// Fanout other peers, excluding sender and anyone already in msg.Path.
// Duplicate ids are dropped without effect beyond freshening the
// sender's last-heard timestamp.
func (e *Engine) OnReceive(msg *wire.GossipMessage, sender string, now time.Time) {
	e.table.Observe(sender, now)

	if e.seen.Contains(msg.ID) {
		return
	}
	e.seen.Add(msg.ID)

	originKey := wire.PeerKey(msg.Host, msg.Port)
	e.table.Observe(originKey, now)

	e.forward(msg, sender)
}

func (e *Engine) forward(msg *wire.GossipMessage, sender string) {
	exclude := append([]string{sender, e.selfKey}, msg.Path...)
	targets := e.table.RandomSubset(Fanout, exclude...)
	if len(targets) == 0 {
		return
	}

	outMsg := *msg
	outMsg.Path = append(append([]string{}, msg.Path...), e.selfKey)
	data, err := wire.Encode(&outMsg)
	if err != nil {
		e.logger.Warn("failed to encode gossip message for forwarding", zap.Error(err))
		return
	}

	var errAgg error
	for _, t := range targets {
		if sendErr := e.sender.SendTo(t.Key, data); sendErr != nil {
			errAgg = multierr.Append(errAgg, errs.NewTransientIOError("gossip forward to "+t.Key, sendErr))
		}
	}
	if errAgg != nil {
		e.logger.Warn("gossip forward had partial failures", zap.Error(errAgg))
	}
}

// Tick emits a heartbeat gossip message with a fresh id and an empty
// path, announcing this node's own liveness to the mesh. Callers should
// invoke this on their own schedule; the engine does not run a timer
// itself (internal/node calls it from its heartbeatLoop goroutine).
func (e *Engine) Tick(now time.Time) {
	msg := &wire.GossipMessage{
		Type: wire.TypeGossip,
		ID:   idgen.GossipID(),
		Host: e.selfHost,
		Port: e.selfPort,
		Path: nil,
	}
	e.seen.Add(msg.ID)

	targets := e.table.RandomSubset(Fanout, e.selfKey)
	if len(targets) == 0 {
		return
	}
	data, err := wire.Encode(msg)
	if err != nil {
		e.logger.Warn("failed to encode heartbeat", zap.Error(err))
		return
	}

	var errAgg error
	for _, t := range targets {
		if sendErr := e.sender.SendTo(t.Key, data); sendErr != nil {
			errAgg = multierr.Append(errAgg, errs.NewTransientIOError("heartbeat to "+t.Key, sendErr))
		}
	}
	if errAgg != nil {
		e.logger.Warn("heartbeat send had partial failures", zap.Error(errAgg))
	}
}
