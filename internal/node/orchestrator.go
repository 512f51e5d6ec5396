// Package node implements the Node Orchestrator (spec §4.F): it owns the
// UDP socket, the TCP CLI listener, and the shared Peer Table, Consensus
// State/Engine, Local Database, and Lying Policy, multiplexing all of
// them over channel-driven loops grounded on gossip/pkg/gossiper.go's
// serveLoop and Serve/Shutdown shape, reworked from that file's single
// TCP RPC listener into this node's dual UDP-datagram-plus-TCP-session
// surface.
package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	mathrand "math/rand"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/omnode/internal/cli"
	"github.com/mcastellin/omnode/internal/consensus"
	"github.com/mcastellin/omnode/internal/database"
	"github.com/mcastellin/omnode/internal/errs"
	"github.com/mcastellin/omnode/internal/gossip"
	"github.com/mcastellin/omnode/internal/lying"
	"github.com/mcastellin/omnode/internal/peer"
	"github.com/mcastellin/omnode/internal/wire"
	"github.com/mcastellin/omnode/internal/xrand"
)

// TickInterval is the multiplexer's periodic-task granularity (spec §4.F
// / §9: "a single multiplexer wait with a short timeout (1s)").
const TickInterval = time.Second

// PruneHorizon is how long a peer may go unheard from before it is
// dropped from the Peer Table (spec §3: 120s).
const PruneHorizon = 120 * time.Second

// Config describes how to start a Node.
type Config struct {
	// BindHost/BindPort: the UDP gossip+consensus endpoint.
	BindHost string
	BindPort int
	// CLIHost/CLIPort: the TCP command session endpoint. CLIPort 0
	// lets the OS assign a port.
	CLIHost string
	CLIPort int

	Bootstrap  []string
	FaultBound int
	LiePercent int
}

// Node wires every component together and drives the event loop.
type Node struct {
	cfg     Config
	selfKey string
	logger  *zap.Logger

	udpConn *net.UDPConn
	tcpLis  net.Listener

	peers      *peer.Table
	db         *database.Database
	policy     *lying.Policy
	state      *consensus.State
	gossipEng  *gossip.Engine
	consEng    *consensus.Engine
	dispatcher *cli.Dispatcher

	closing chan chan error
}

// New constructs a Node and binds its sockets, but does not yet start
// serving; call Serve for that.
func New(cfg Config, logger *zap.Logger) (*Node, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cfg.BindHost, strconv.Itoa(cfg.BindPort)))
	if err != nil {
		return nil, errs.NewConfigError("invalid bind address: " + err.Error())
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errs.NewConfigError("failed to bind udp socket: " + err.Error())
	}

	cliAddr := net.JoinHostPort(cfg.CLIHost, strconv.Itoa(cfg.CLIPort))
	tcpLis, err := net.Listen("tcp", cliAddr)
	if err != nil {
		udpConn.Close()
		return nil, errs.NewConfigError("failed to bind cli listener: " + err.Error())
	}

	localPort := udpConn.LocalAddr().(*net.UDPAddr).Port
	selfKey := wire.PeerKey(cfg.BindHost, localPort)

	// One process-wide random source, shared concurrency-safely between
	// the Peer Table and Lying Policy via xrand.Source: both are called
	// from the main Serve loop, the independent heartbeatLoop goroutine,
	// and per-connection CLI goroutines alike (spec §5).
	rnd := xrand.New(mathrand.New(mathrand.NewSource(seedFromCrypto())))

	peers := peer.NewTable(rnd)
	db := database.New()
	policy := lying.New(rnd)
	policy.Set(cfg.LiePercent)
	state := consensus.NewState()

	sender := &udpSender{conn: udpConn}
	gossipEng := gossip.New(selfKey, cfg.BindHost, localPort, peers, sender, logger)
	consEng := consensus.New(selfKey, cfg.FaultBound, peers, state, db, policy, sender, logger)
	dispatcher := cli.New(peers, db, policy, consEng, logger)

	now := time.Now()
	for _, addr := range cfg.Bootstrap {
		peers.Observe(canonicalizeBootstrap(addr), now)
	}

	return &Node{
		cfg: cfg, selfKey: selfKey, logger: logger,
		udpConn: udpConn, tcpLis: tcpLis,
		peers: peers, db: db, policy: policy, state: state,
		gossipEng: gossipEng, consEng: consEng, dispatcher: dispatcher,
		closing: make(chan chan error),
	}, nil
}

// SelfKey returns the node's own canonical peerKey.
func (n *Node) SelfKey() string { return n.selfKey }

// UDPAddr returns the bound UDP address.
func (n *Node) UDPAddr() net.Addr { return n.udpConn.LocalAddr() }

// CLIAddr returns the bound TCP CLI address.
func (n *Node) CLIAddr() net.Addr { return n.tcpLis.Addr() }

// udpSender implements both gossip.Sender and consensus.Sender over the
// orchestrator's single UDP socket (spec §5: "sockets are owned by the
// orchestrator and never handed to other components").
type udpSender struct {
	conn *net.UDPConn
}

func (s *udpSender) SendTo(peerKey string, data []byte) error {
	addr, err := net.ResolveUDPAddr("udp", peerKey)
	if err != nil {
		return errs.NewTransientIOError("resolve "+peerKey, err)
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		return errs.NewTransientIOError("write to "+peerKey, err)
	}
	return nil
}

// Serve runs the event loop until ctx is cancelled: a UDP read loop, a
// TCP accept loop, and a ticker driving heartbeats, pruning, and
// consensus sweeps, grounded on gossiper.go's accept/serving channel
// pair plus a ctx-driven heartbeat goroutine.
func (n *Node) Serve(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	datagrams := make(chan datagramEvent, 16)
	conns := make(chan net.Conn, 4)

	go n.udpReadLoop(loopCtx, datagrams)
	go n.tcpAcceptLoop(loopCtx, conns)
	go n.heartbeatLoop(loopCtx)

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return

		case errch := <-n.closing:
			errch <- n.shutdown()
			return

		case dg := <-datagrams:
			n.handleDatagram(dg)

		case conn := <-conns:
			go n.dispatcher.Handle(conn)

		case now := <-ticker.C:
			n.tick(now)
		}
	}
}

// Shutdown requests the event loop stop and waits for it to finish
// closing sockets.
func (n *Node) Shutdown() error {
	errch := make(chan error)
	n.closing <- errch
	return <-errch
}

func (n *Node) shutdown() error {
	n.udpConn.Close()
	return n.tcpLis.Close()
}

type datagramEvent struct {
	data   []byte
	sender string
}

func (n *Node) udpReadLoop(ctx context.Context, out chan<- datagramEvent) {
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}
		nBytes, addr, err := n.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("udp read failed", zap.Error(errs.NewTransientIOError("udp read", err)))
			continue
		}
		data := make([]byte, nBytes)
		copy(data, buf[:nBytes])
		select {
		case out <- datagramEvent{data: data, sender: wire.PeerKey(addr.IP.String(), addr.Port)}:
		case <-ctx.Done():
			return
		}
	}
}

func (n *Node) tcpAcceptLoop(ctx context.Context, out chan<- net.Conn) {
	for {
		conn, err := n.tcpLis.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Warn("cli accept failed", zap.Error(errs.NewTransientIOError("cli accept", err)))
			continue
		}
		select {
		case out <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// handleDatagram decodes and routes a single inbound UDP payload. Parse
// failures are dropped silently (spec §4.B/§7): the loop never crashes
// on malformed input. A panic inside a handler is recovered and logged,
// and the loop continues.
func (n *Node) handleDatagram(dg datagramEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("recovered from panic while handling datagram",
				zap.Any("panic", r), zap.String("sender", dg.sender))
		}
	}()

	msg, err := wire.Decode(dg.data)
	if err != nil {
		n.logger.Debug("dropping malformed datagram", zap.Error(err), zap.String("sender", dg.sender))
		return
	}

	now := time.Now()
	switch m := msg.(type) {
	case *wire.GossipMessage:
		n.gossipEng.OnReceive(m, dg.sender, now)
	case *wire.ConsensusForward:
		if err := n.consEng.ReceiveForward(m, dg.sender, now); err != nil {
			n.logger.Debug("dropping forward", zap.Error(err))
		}
	case *wire.ConsensusReport:
		if err := n.consEng.ReceiveReport(m, dg.sender, now); err != nil {
			n.logger.Debug("dropping report", zap.Error(err))
		}
	}
}

// tick runs the 1s-granularity periodic tasks spec §4.F assigns the
// orchestrator: peer pruning and consensus deadline sweeps. Gossip
// heartbeats run on their own longer-period ticker (see heartbeatLoop)
// since HeartbeatInterval is a full minute.
func (n *Node) tick(now time.Time) {
	n.peers.Prune(now, PruneHorizon)
	n.consEng.SweepDeadlines(now)
}

// heartbeatLoop emits this node's own gossip heartbeat on its own
// ticker, independent of the 1s orchestrator tick.
func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(gossip.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.gossipEng.Tick(now)
		}
	}
}

func seedFromCrypto() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano()
	}
	return int64(binary.BigEndian.Uint64(buf[:]))
}

// canonicalizeBootstrap parses a "host:port" bootstrap entry into its
// canonical peerKey form, matching the resolution rule every gossip
// message's origin goes through.
func canonicalizeBootstrap(addr string) string {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr
	}
	return wire.PeerKey(host, port)
}
