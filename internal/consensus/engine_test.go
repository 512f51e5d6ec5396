package consensus

import (
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/omnode/internal/database"
	"github.com/mcastellin/omnode/internal/lying"
	"github.com/mcastellin/omnode/internal/peer"
	"github.com/mcastellin/omnode/internal/wire"
	"github.com/mcastellin/omnode/internal/xrand"
)

type captureSender struct {
	sentTo   []string
	sentData [][]byte
}

func (c *captureSender) SendTo(peerKey string, data []byte) error {
	c.sentTo = append(c.sentTo, peerKey)
	c.sentData = append(c.sentData, data)
	return nil
}

func newTestEngine(selfKey string) (*Engine, *captureSender, *peer.Table, *database.Database) {
	tbl := peer.NewTable(xrand.New(rand.New(rand.NewSource(7))))
	db := database.New()
	policy := lying.New(xrand.New(rand.New(rand.NewSource(7))))
	sender := &captureSender{}
	e := New(selfKey, 1, tbl, NewState(), db, policy, sender, zap.NewNop())
	return e, sender, tbl, db
}

func TestStartRootWithNoPeersResolvesImmediately(t *testing.T) {
	e, _, _, db := newTestEngine("self:1")
	now := time.Now()

	id, err := e.StartRoot(2, "apple", now)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a round id")
	}
	if db.Get(2) != "apple" {
		t.Fatalf("expected database index 2 to be apple, got %s", db.Get(2))
	}
}

func TestStartRootRejectsOutOfRangeIndex(t *testing.T) {
	e, _, _, _ := newTestEngine("self:1")
	if _, err := e.StartRoot(5, "foo", time.Now()); err == nil {
		t.Fatal("expected error for out-of-range index")
	}
}

func TestStartRootWithPeersForwardsToAll(t *testing.T) {
	e, sender, tbl, _ := newTestEngine("self:1")
	now := time.Now()
	tbl.Observe("p1:1", now)
	tbl.Observe("p2:1", now)

	_, err := e.StartRoot(0, "hello", now)
	if err != nil {
		t.Fatal(err)
	}
	if len(sender.sentTo) != 2 {
		t.Fatalf("expected forward to both peers, got %d sends", len(sender.sentTo))
	}
}

func TestReceiveForwardOMZeroReportsImmediately(t *testing.T) {
	e, sender, _, _ := newTestEngine("self:1")
	now := time.Now()

	msg := &wire.ConsensusForward{
		Type: wire.TypeConsensus, Kind: wire.KindForward,
		ID: "root:1:abc", ParentID: "", OM: 0, Index: 1,
		Value: "sky", Origin: "root:1", Path: []string{"root:1"},
	}
	if err := e.ReceiveForward(msg, "root:1", now); err != nil {
		t.Fatal(err)
	}
	if len(sender.sentTo) != 1 || sender.sentTo[0] != "root:1" {
		t.Fatalf("expected a single report back to sender, got %v", sender.sentTo)
	}

	decoded, err := wire.Decode(sender.sentData[0])
	if err != nil {
		t.Fatal(err)
	}
	report, ok := decoded.(*wire.ConsensusReport)
	if !ok {
		t.Fatalf("expected a report message, got %T", decoded)
	}
	if report.Value != "sky" || report.Reporter != "self:1" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestReceiveForwardDropsWhenSelfInPath(t *testing.T) {
	e, _, _, _ := newTestEngine("self:1")
	msg := &wire.ConsensusForward{
		ID: "x", OM: 0, Index: 0, Origin: "root:1", Path: []string{"root:1", "self:1"},
	}
	if err := e.ReceiveForward(msg, "root:1", time.Now()); err == nil {
		t.Fatal("expected protocol error when self already in path")
	}
}

func TestReceiveForwardWithNoRemainingPeersBehavesAsOMZero(t *testing.T) {
	e, sender, tbl, _ := newTestEngine("self:1")
	now := time.Now()
	tbl.Observe("root:1", now) // only the sender is known, excluded from R

	msg := &wire.ConsensusForward{
		Type: wire.TypeConsensus, Kind: wire.KindForward,
		ID: "root:1:abc", ParentID: "", OM: 3, Index: 0,
		Value: "tree", Origin: "root:1", Path: []string{"root:1"},
	}
	if err := e.ReceiveForward(msg, "root:1", now); err != nil {
		t.Fatal(err)
	}
	if len(sender.sentTo) != 1 {
		t.Fatalf("expected immediate report since no peers remain, got %d sends", len(sender.sentTo))
	}
}

// TestReceiveForwardRecursesAndCorrelatesReportsViaRoutes drives a 2-level
// recursive fan-out: a node receives a forward with om=2 from a root, has
// two remaining peers to recurse to, and must mint a fresh child round id
// per peer (spec.md §4.D.2), register each in its routing table, and then
// correlate reports referencing those minted ids back to the round it
// received from the root — resolving and reporting upward only once both
// children are in.
func TestReceiveForwardRecursesAndCorrelatesReportsViaRoutes(t *testing.T) {
	e, sender, tbl, _ := newTestEngine("mid:1")
	now := time.Now()
	tbl.Observe("root:1", now) // excluded: already in path
	tbl.Observe("p1:1", now)
	tbl.Observe("p2:1", now)

	msg := &wire.ConsensusForward{
		Type: wire.TypeConsensus, Kind: wire.KindForward,
		ID: "root:1:abc", ParentID: "", OM: 2, Index: 4,
		Value: "apple", Origin: "root:1", Path: []string{"root:1"},
	}
	if err := e.ReceiveForward(msg, "root:1", now); err != nil {
		t.Fatal(err)
	}

	if len(sender.sentTo) != 2 {
		t.Fatalf("expected a recursive forward to both remaining peers, got %d sends", len(sender.sentTo))
	}

	// Decode each minted child forward and confirm ResolveRoute correlates
	// it back to the round mid received from root, under the right peer.
	childIDs := map[string]string{} // peerKey -> minted child id
	for i, peerKey := range sender.sentTo {
		decoded, err := wire.Decode(sender.sentData[i])
		if err != nil {
			t.Fatal(err)
		}
		fwd, ok := decoded.(*wire.ConsensusForward)
		if !ok {
			t.Fatalf("expected a forward message, got %T", decoded)
		}
		if fwd.OM != 1 {
			t.Fatalf("expected recursion to decrement om to 1, got %d", fwd.OM)
		}
		if fwd.ParentID != "root:1:abc" {
			t.Fatalf("expected child forward's parentid to name the round mid received, got %q", fwd.ParentID)
		}
		childIDs[peerKey] = fwd.ID

		parentRoundID, routedPeer, ok := e.state.ResolveRoute(fwd.ID)
		if !ok {
			t.Fatalf("expected a registered route for minted child id %q", fwd.ID)
		}
		if parentRoundID != "root:1:abc" || routedPeer != peerKey {
			t.Fatalf("route mismatch: got (%q, %q), want (%q, %q)", parentRoundID, routedPeer, "root:1:abc", peerKey)
		}
	}

	// Both remaining peers report back, each naming its minted child id as
	// parentid (as if they themselves resolved om=0 and reported upward).
	for peerKey, childID := range childIDs {
		report := &wire.ConsensusReport{
			Type: wire.TypeConsensus, Kind: wire.KindReport,
			ID: "irrelevant", ParentID: childID, Reporter: peerKey, Value: "apple",
		}
		if err := e.ReceiveReport(report, peerKey, now); err != nil {
			t.Fatal(err)
		}
	}

	// Both children reported: mid's round (received with a non-empty
	// ReplyTo of "root:1") must now resolve and report upward to root,
	// referencing mid's own round id as parentid per spec.md §4.D.2.3.
	if len(sender.sentTo) != 3 {
		t.Fatalf("expected one additional report sent upward, got %d total sends", len(sender.sentTo))
	}
	decoded, err := wire.Decode(sender.sentData[2])
	if err != nil {
		t.Fatal(err)
	}
	upReport, ok := decoded.(*wire.ConsensusReport)
	if !ok {
		t.Fatalf("expected a report message, got %T", decoded)
	}
	if sender.sentTo[2] != "root:1" {
		t.Fatalf("expected report to be sent to root:1, got %q", sender.sentTo[2])
	}
	if upReport.ParentID != "root:1:abc" || upReport.Reporter != "mid:1" || upReport.Value != "apple" {
		t.Fatalf("unexpected upward report: %+v", upReport)
	}
}

func TestReceiveReportUnknownParentDrops(t *testing.T) {
	e, sender, _, _ := newTestEngine("self:1")
	msg := &wire.ConsensusReport{ParentID: "bogus", Reporter: "p1:1", Value: "v"}
	if err := e.ReceiveReport(msg, "p1:1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if len(sender.sentTo) != 0 {
		t.Fatal("expected no side effects for unknown parent")
	}
}

func TestReceiveReportResolvesRootOnAllChildren(t *testing.T) {
	e, _, tbl, db := newTestEngine("self:1")
	now := time.Now()
	tbl.Observe("p1:1", now)
	tbl.Observe("p2:1", now)

	id, err := e.StartRoot(3, "tree", now)
	if err != nil {
		t.Fatal(err)
	}

	e.ReceiveReport(&wire.ConsensusReport{ParentID: id, Reporter: "p1:1", Value: "tree"}, "p1:1", now)
	if db.Get(3) != "word3" {
		t.Fatal("root should not resolve before all children report")
	}
	e.ReceiveReport(&wire.ConsensusReport{ParentID: id, Reporter: "p2:1", Value: "tree"}, "p2:1", now)

	if db.Get(3) != "tree" {
		t.Fatalf("expected database index 3 = tree, got %s", db.Get(3))
	}
}

func TestMajorityTieFallsBackToDefaultSentinel(t *testing.T) {
	got := majority([]string{"a", "b"})
	if got != lying.DefaultSentinel {
		t.Fatalf("expected default sentinel on tie, got %s", got)
	}
}

func TestMajorityStrictMajorityWins(t *testing.T) {
	got := majority([]string{"a", "a", "b"})
	if got != "a" {
		t.Fatalf("expected a to win majority, got %s", got)
	}
}

func TestSweepDeadlinesResolvesTimedOutRoot(t *testing.T) {
	e, _, tbl, db := newTestEngine("self:1")
	now := time.Now()
	tbl.Observe("p1:1", now)

	id, err := e.StartRoot(1, "hello", now)
	if err != nil {
		t.Fatal(err)
	}
	_ = id

	e.SweepDeadlines(now.Add(BaseRoundTimeout * 10))
	if db.Get(1) == "word1" {
		t.Fatal("expected root to resolve via sweep default after deadline")
	}
}
