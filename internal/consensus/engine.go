package consensus

import (
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mcastellin/omnode/internal/database"
	"github.com/mcastellin/omnode/internal/errs"
	"github.com/mcastellin/omnode/internal/idgen"
	"github.com/mcastellin/omnode/internal/lying"
	"github.com/mcastellin/omnode/internal/peer"
	"github.com/mcastellin/omnode/internal/wire"
)

// BaseRoundTimeout is the base unit round timeouts grow from: a round at
// recursion level om gets BaseRoundTimeout * (om + 1) to hear back from
// its children.
const BaseRoundTimeout = 5 * time.Second

// DefaultFaultBound is the default upper bound on Byzantine peers used
// to compute a root round's starting om, per spec.md §9's resolution of
// the OM-depth-mapping open question: om = max(0, numPeers - faultBound).
const DefaultFaultBound = 1

// roundTimeout grows linearly with the recursion depth remaining.
func roundTimeout(om int) time.Duration {
	return BaseRoundTimeout * time.Duration(om+1)
}

// Sender abstracts the orchestrator's outbound UDP socket.
type Sender interface {
	SendTo(peerKey string, data []byte) error
}

// Engine implements the Consensus Engine component (spec.md §4.D): it
// starts root rounds, propagates forwards down the OM recursion tree,
// and aggregates reports back up to resolution.
type Engine struct {
	selfKey    string
	faultBound int

	peers  *peer.Table
	state  *State
	db     *database.Database
	policy *lying.Policy
	sender Sender
	logger *zap.Logger
}

// New creates a Consensus Engine for the node identified by selfKey.
func New(selfKey string, faultBound int, peers *peer.Table, state *State, db *database.Database, policy *lying.Policy, sender Sender, logger *zap.Logger) *Engine {
	if faultBound < 0 {
		faultBound = DefaultFaultBound
	}
	return &Engine{
		selfKey: selfKey, faultBound: faultBound,
		peers: peers, state: state, db: db, policy: policy, sender: sender, logger: logger,
	}
}

// StartRoot begins a new root consensus round for the given database
// index proposing word, triggered by the CLI's "consensus" command. It
// returns the assigned round id immediately; resolution happens
// asynchronously as reports arrive or deadlines elapse, except that a
// root started with no known peers resolves before StartRoot returns.
func (e *Engine) StartRoot(index int, word string, now time.Time) (string, error) {
	if index < 0 || index >= database.Size {
		return "", errs.NewProtocolError("database index out of range")
	}

	peers := e.peers.Snapshot()
	om := maxInt(0, len(peers)-e.faultBound)
	value := e.policy.Apply(word)

	id := idgen.RoundID(e.selfKey)
	node := &RoundNode{
		ID: id, ParentID: "", OM: om, Index: index,
		ValueReceived: value, Origin: e.selfKey, Path: []string{e.selfKey},
		ReplyTo:  "",
		Children: map[string]*string{},
		Deadline: now.Add(roundTimeout(om)),
	}

	for _, p := range peers {
		node.Children[p.Key] = nil
	}
	e.state.AddRound(node)

	if len(peers) == 0 {
		e.resolve(id, now)
		return id, nil
	}

	fwd := &wire.ConsensusForward{
		Type: wire.TypeConsensus, Kind: wire.KindForward,
		ID: id, ParentID: "", OM: om, Index: index,
		Value: value, Origin: e.selfKey, Path: []string{e.selfKey},
	}
	e.broadcastForward(fwd, peers)

	return id, nil
}

func (e *Engine) broadcastForward(fwd *wire.ConsensusForward, targets []peer.Peer) {
	data, err := wire.Encode(fwd)
	if err != nil {
		e.logger.Warn("failed to encode consensus forward", zap.Error(err))
		return
	}
	var errAgg error
	for _, p := range targets {
		if sendErr := e.sender.SendTo(p.Key, data); sendErr != nil {
			errAgg = multierr.Append(errAgg, errs.NewTransientIOError("forward to "+p.Key, sendErr))
		}
	}
	if errAgg != nil {
		e.logger.Warn("consensus forward had partial failures", zap.Error(errAgg), zap.String("round", fwd.ID))
	}
}

// ReceiveForward handles an inbound forward-down message from sender.
func (e *Engine) ReceiveForward(msg *wire.ConsensusForward, sender string, now time.Time) error {
	if _, exists := e.state.FindRound(msg.ID); exists {
		return nil // already processed this round id
	}
	if msg.OM < 0 {
		return errs.NewProtocolError("negative om")
	}
	for _, hop := range msg.Path {
		if hop == e.selfKey {
			return errs.NewProtocolError("self already in path")
		}
	}

	path := append(append([]string{}, msg.Path...), e.selfKey)

	node := &RoundNode{
		ID: msg.ID, ParentID: msg.ParentID, OM: msg.OM, Index: msg.Index,
		ValueReceived: msg.Value, Origin: msg.Origin, Path: msg.Path,
		ReplyTo:  sender,
		Children: map[string]*string{},
	}

	if msg.OM == 0 {
		e.state.AddRound(node)
		e.resolve(node.ID, now)
		return nil
	}

	exclude := append(append([]string{}, msg.Path...), e.selfKey)
	recipients := e.peers.RandomSubsetAll(exclude...)
	if len(recipients) == 0 {
		e.state.AddRound(node)
		e.resolve(node.ID, now)
		return nil
	}

	for _, p := range recipients {
		node.Children[p.Key] = nil
	}
	node.Deadline = now.Add(roundTimeout(msg.OM))
	e.state.AddRound(node)

	var errAgg error
	for _, p := range recipients {
		childID := idgen.RoundID(e.selfKey)
		e.state.RegisterRoute(childID, msg.ID, p.Key)
		fwd := &wire.ConsensusForward{
			Type: wire.TypeConsensus, Kind: wire.KindForward,
			ID: childID, ParentID: msg.ID, OM: msg.OM - 1, Index: msg.Index,
			Value: msg.Value, Origin: msg.Origin, Path: path,
		}
		data, err := wire.Encode(fwd)
		if err != nil {
			e.logger.Warn("failed to encode child forward", zap.Error(err))
			continue
		}
		if sendErr := e.sender.SendTo(p.Key, data); sendErr != nil {
			errAgg = multierr.Append(errAgg, errs.NewTransientIOError("child forward to "+p.Key, sendErr))
		}
	}
	if errAgg != nil {
		e.logger.Warn("child forward fan-out had partial failures", zap.Error(errAgg), zap.String("round", msg.ID))
	}
	return nil
}

// ReceiveReport handles an inbound report-up message from sender. The
// report's parentid names the round the reporting node resolved, which
// per spec.md §4.D.2/4.D.4 is the id that node received as "msg.id" —
// either this node's own round id directly (reports from a direct
// child of a root broadcast) or a freshly minted per-peer id handed out
// during a recursive fan-out (spec.md §4.D.2's om>0 branch), which this
// node must translate back via its routing table (see RegisterRoute).
func (e *Engine) ReceiveReport(msg *wire.ConsensusReport, sender string, now time.Time) error {
	parentRoundID := msg.ParentID
	childKey := msg.Reporter

	if routedParent, routedPeer, ok := e.state.ResolveRoute(msg.ParentID); ok {
		parentRoundID = routedParent
		if childKey == "" {
			childKey = routedPeer
		}
	}
	if childKey == "" {
		childKey = sender
	}

	if _, ok := e.state.FindRound(parentRoundID); !ok {
		return nil // unknown parent: drop
	}

	if !e.state.RecordChild(parentRoundID, childKey, msg.Value) {
		return nil // not a pending child, or already reported: drop
	}

	if e.state.AllReported(parentRoundID) {
		e.resolve(parentRoundID, now)
	}
	return nil
}

// resolve computes the majority result for round id from its recorded
// votes. The node that originated this round locally (ReplyTo=="",
// meaning nobody forwarded it here — it was created by StartRoot) writes
// the local database; every other node emits a report upward instead,
// referencing this round's own id as its parentid (spec.md §4.D.2.3),
// which the recipient correlates back via its own routing table.
func (e *Engine) resolve(id string, now time.Time) {
	info, ok := e.state.Info(id)
	if !ok {
		return
	}

	result := majority(info.Votes)
	if !e.state.Resolve(id, result, now) {
		return // already resolved by a racing sweep/report
	}

	if info.ReplyTo == "" {
		e.db.Set(info.Index, result)
		e.logger.Info("root round resolved",
			zap.String("round", info.ID), zap.Int("index", info.Index), zap.String("value", result))
		return
	}

	outValue := e.policy.Apply(result)
	report := &wire.ConsensusReport{
		Type: wire.TypeConsensus, Kind: wire.KindReport,
		ID: idgen.RoundID(e.selfKey), ParentID: info.ID, Reporter: e.selfKey, Value: outValue,
	}
	data, err := wire.Encode(report)
	if err != nil {
		e.logger.Warn("failed to encode report", zap.Error(err))
		return
	}
	if sendErr := e.sender.SendTo(info.ReplyTo, data); sendErr != nil {
		e.logger.Warn("report send failed", zap.Error(sendErr), zap.String("round", info.ID))
	}
}

// SweepDeadlines defaults missing votes for timed-out rounds and
// resolves them, then garbage-collects retained rounds past their
// grace window. Intended to be invoked once per orchestrator tick.
func (e *Engine) SweepDeadlines(now time.Time) {
	ready := e.state.Sweep(now, lying.DefaultSentinel)
	for _, id := range ready {
		e.resolve(id, now)
	}
}

func majority(votes []string) string {
	counts := map[string]int{}
	best := ""
	bestCount := 0
	for _, v := range votes {
		counts[v]++
		if counts[v] > bestCount {
			best = v
			bestCount = counts[v]
		}
	}
	if bestCount*2 > len(votes) {
		return best
	}
	return lying.DefaultSentinel
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
