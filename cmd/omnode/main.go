// Command omnode runs a single gossip-connected OM consensus peer. Flag
// parsing is handled by cobra/pflag, grounded on
// remote-procedure-call/cmd/root.go's rootCmd + Execute() shape, adapted
// from that program's subcommand dispatch to a single long-running
// server command since this node has no plugin-call surface.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mcastellin/omnode/internal/errs"
	"github.com/mcastellin/omnode/internal/node"
)

var (
	flagBind       string
	flagCLIBind    string
	flagBootstrap  []string
	flagFaultBound int
	flagLiePercent int
	flagDebug      bool
)

var rootCmd = &cobra.Command{
	Use:   "omnode",
	Short: "A gossip-connected peer participating in Byzantine Oral Messages consensus",
	Long: `omnode runs one peer of a gossip-connected mesh implementing
Byzantine-fault-tolerant Oral Messages (OM) consensus over a five-word
shared database.

Once running, connect to its CLI address with any line-oriented TCP
client (e.g. nc) to issue commands: peers, current, consensus <index>
<word>, lie [percent], truth, exit.`,
	RunE: runServe,
}

func init() {
	rootCmd.Flags().StringVar(&flagBind, "bind", "0.0.0.0:0", "host:port for the UDP gossip/consensus socket")
	rootCmd.Flags().StringVar(&flagCLIBind, "cli-bind", "127.0.0.1:0", "host:port for the TCP CLI listener")
	rootCmd.Flags().StringSliceVar(&flagBootstrap, "bootstrap", nil, "host:port of a bootstrap peer (repeatable)")
	rootCmd.Flags().IntVar(&flagFaultBound, "fault-bound", 1, "upper bound on Byzantine peers used to compute OM recursion depth")
	rootCmd.Flags().IntVar(&flagLiePercent, "lie-percent", 0, "initial lying policy percentage [0,100]")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug-level structured logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger(flagDebug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	bindHost, bindPort, err := splitHostPort(flagBind)
	if err != nil {
		return errs.NewConfigError("invalid --bind: " + err.Error())
	}
	cliHost, cliPort, err := splitHostPort(flagCLIBind)
	if err != nil {
		return errs.NewConfigError("invalid --cli-bind: " + err.Error())
	}

	cfg := node.Config{
		BindHost: bindHost, BindPort: bindPort,
		CLIHost: cliHost, CLIPort: cliPort,
		Bootstrap: flagBootstrap, FaultBound: flagFaultBound, LiePercent: flagLiePercent,
	}

	n, err := node.New(cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("omnode starting",
		zap.String("self", n.SelfKey()),
		zap.String("udp", n.UDPAddr().String()),
		zap.String("cli", n.CLIAddr().String()),
		zap.Strings("bootstrap", flagBootstrap),
	)
	fmt.Printf("omnode listening: udp=%s cli=%s self=%s\n", n.UDPAddr(), n.CLIAddr(), n.SelfKey())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	n.Serve(ctx)
	return nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func splitHostPort(addr string) (host string, port int, err error) {
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	portNum, err := strconv.Atoi(p)
	if err != nil {
		return "", 0, err
	}
	return h, portNum, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
