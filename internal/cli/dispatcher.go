// Package cli implements the line-oriented TCP command session (spec
// §4.E): one goroutine per accepted connection, dispatching a small
// command grammar against the node's shared state. Grounded on
// remote-procedure-call/cmd's flat command-to-handler dispatch, reworked
// from cobra's argv parsing to per-line parsing since each TCP session
// is long-lived rather than one-shot.
package cli

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mcastellin/omnode/internal/database"
	"github.com/mcastellin/omnode/internal/errs"
	"github.com/mcastellin/omnode/internal/lying"
	"github.com/mcastellin/omnode/internal/peer"
)

// writeTimeout bounds a single reply write. A client slow enough to miss
// it is disconnected rather than allowed to block the session (spec §5).
const writeTimeout = 2 * time.Second

// ConsensusStarter abstracts the Consensus Engine operation the
// "consensus" command injects, so sessions can be tested without a real
// engine.
type ConsensusStarter interface {
	StartRoot(index int, word string, now time.Time) (string, error)
}

// Dispatcher serves CLI sessions over accepted TCP connections, sharing
// the orchestrator's Peer Table, Local Database, and Lying Policy.
type Dispatcher struct {
	peers  *peer.Table
	db     *database.Database
	policy *lying.Policy
	engine ConsensusStarter
	logger *zap.Logger
}

// New creates a Dispatcher wired to the node's shared components.
func New(peers *peer.Table, db *database.Database, policy *lying.Policy, engine ConsensusStarter, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{peers: peers, db: db, policy: policy, engine: engine, logger: logger}
}

// Handle runs one CLI session to completion: reads commands line by
// line until "exit", client disconnect, or a stalled write.
func (d *Dispatcher) Handle(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		reply, closeSession := d.dispatch(line)
		if !d.writeLines(conn, reply) {
			return
		}
		if closeSession {
			return
		}
	}
}

func (d *Dispatcher) writeLines(conn net.Conn, lines []string) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return false
	}
	for _, l := range lines {
		if _, err := fmt.Fprintln(conn, l); err != nil {
			d.logger.Warn("cli session write failed, disconnecting",
				zap.Error(errs.NewTransientIOError("cli write", err)))
			return false
		}
	}
	return true
}

func (d *Dispatcher) dispatch(line string) (reply []string, closeSession bool) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "peers":
		return d.cmdPeers(), false
	case "current":
		return d.cmdCurrent(), false
	case "consensus":
		return d.cmdConsensus(args), false
	case "lie":
		return d.cmdLie(args), false
	case "truth":
		d.policy.Set(0)
		return nil, false
	case "exit":
		return nil, true
	default:
		return cliErrorLine("unknown command"), false
	}
}

// cliErrorLine wraps reason in a CLIError (spec §7) and renders it the
// way every command error reply is formatted.
func cliErrorLine(reason string) []string {
	return []string{errorLine(errs.NewCLIError(reason))}
}

// errorLine renders any error the dispatcher surfaces to a CLI client as
// a single "error: <reason>" line. It unwraps the typed error kinds in
// internal/errs via errors.As so CLIError and ProtocolError (the two
// kinds a command handler can produce) format their bare reason rather
// than the kind-prefixed Error() string meant for logs.
func errorLine(err error) string {
	var cliErr *errs.CLIError
	if errors.As(err, &cliErr) {
		return "error: " + cliErr.Reason
	}
	var protoErr *errs.ProtocolError
	if errors.As(err, &protoErr) {
		return "error: " + protoErr.Reason
	}
	return "error: " + err.Error()
}

func (d *Dispatcher) cmdPeers() []string {
	now := time.Now()
	snapshot := d.peers.Snapshot()
	out := make([]string, 0, len(snapshot))
	for _, p := range snapshot {
		age := int(now.Sub(p.LastHeard).Seconds())
		out = append(out, fmt.Sprintf("%s  age=%ds", p.Key, age))
	}
	return out
}

func (d *Dispatcher) cmdCurrent() []string {
	values := d.db.Snapshot()
	out := make([]string, 0, database.Size)
	for i, v := range values {
		out = append(out, fmt.Sprintf("%d: %s", i, v))
	}
	return out
}

func (d *Dispatcher) cmdConsensus(args []string) []string {
	if len(args) != 2 {
		return cliErrorLine("usage: consensus <index> <word>")
	}
	index, err := strconv.Atoi(args[0])
	if err != nil {
		return cliErrorLine("index must be an integer")
	}
	id, err := d.engine.StartRoot(index, args[1], time.Now())
	if err != nil {
		return []string{errorLine(err)}
	}
	return []string{id}
}

func (d *Dispatcher) cmdLie(args []string) []string {
	percent := 100
	switch len(args) {
	case 0:
	case 1:
		p, err := strconv.Atoi(args[0])
		if err != nil {
			return cliErrorLine("percent must be an integer")
		}
		percent = p
	default:
		return cliErrorLine("usage: lie [percent]")
	}
	d.policy.Set(percent)
	return nil
}
