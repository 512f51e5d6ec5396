package node

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestNode(t *testing.T, bootstrap []string) *Node {
	t.Helper()
	n, err := New(Config{
		BindHost: "127.0.0.1", BindPort: 0,
		CLIHost: "127.0.0.1", CLIPort: 0,
		Bootstrap: bootstrap, FaultBound: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNewBindsDistinctEphemeralSockets(t *testing.T) {
	n := newTestNode(t, nil)
	defer n.Shutdown()

	if n.UDPAddr().String() == n.CLIAddr().String() {
		t.Fatal("expected udp and cli listeners on distinct addresses")
	}
	if n.SelfKey() == "" {
		t.Fatal("expected a non-empty self peer key")
	}
}

func TestSingleNodeConsensusResolvesLocally(t *testing.T) {
	n := newTestNode(t, nil)
	defer n.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Serve(ctx)

	id, err := n.consEng.StartRoot(2, "apple", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a round id")
	}
	if n.db.Get(2) != "apple" {
		t.Fatalf("expected index 2 to resolve to apple with no peers, got %s", n.db.Get(2))
	}
}

func TestTwoNodesGossipLearnsPeer(t *testing.T) {
	n1 := newTestNode(t, nil)
	defer n1.Shutdown()

	n2, err := New(Config{
		BindHost: "127.0.0.1", BindPort: 0,
		CLIHost: "127.0.0.1", CLIPort: 0,
		Bootstrap: []string{n1.UDPAddr().String()}, FaultBound: 1,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer n2.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n1.Serve(ctx)
	go n2.Serve(ctx)

	n2.gossipEng.Tick(time.Now())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if n1.peers.Len() > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected node1 to learn node2 as a peer via gossip heartbeat")
}
