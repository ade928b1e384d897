// Package cli wires the corenet P2P façade into a cobra command tree,
// grounded on the teacher's network.go: one package-level node, a
// PersistentPreRunE that lazily constructs it, and thin controllers around
// the façade's exported surface.
package cli

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-labs/corenet/core"
	"github.com/synnergy-labs/corenet/pkg/config"
)

var (
	netNode *core.Node
	netMu   sync.RWMutex
	netLog  = logrus.New()
)

func netInit(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	already := netNode != nil
	netMu.RUnlock()
	if already {
		return nil
	}
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if lv, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		netLog.SetLevel(lv)
	}

	db, err := core.OpenStore(cfg.Network.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	identity, err := core.LoadOrCreateIdentity(db)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}

	var rulesHash [32]byte
	if cfg.Network.RulesHash != "" {
		b, err := hex.DecodeString(cfg.Network.RulesHash)
		if err != nil {
			return fmt.Errorf("rules_hash: %w", err)
		}
		copy(rulesHash[:], b)
	}

	nodeCfg := core.NodeConfig{
		ListenAddr: cfg.Network.ListenAddr,
		BeaconPort: uint16(cfg.Network.BeaconPort),
		RulesHash:  rulesHash,
		MaxPeers:   cfg.Network.MaxPeers,
		AddressBook: core.AddressBookConfig{
			MaxRating:        cfg.Peer.MaxRating,
			BanTimeout:       cfg.Peer.BanTimeout,
			AddressGrace:     cfg.Peer.AddressGrace,
			StarvationPerSec: cfg.Peer.StarvationPerSec,
			RecommendStale:   cfg.Peer.RecommendStale,
		},
		Scheduler: core.SchedulerConfig{
			MaxConcurrentHeaderPacks: 8,
			MaxConcurrentBlockPacks:  16,
			MaxHdrPackCount:          512,
			RequestTimeout:           time.Duration(cfg.Timeouts.GetBlockMs) * time.Millisecond,
			FastSyncWindow:           1000,
		},
		PingInterval:      time.Duration(cfg.Timeouts.PingIntervalMs) * time.Millisecond,
		RecommendInterval: 10 * time.Minute,
		UpdateInterval:    5 * time.Second,
		FlushInterval:     time.Minute,
		ClockSkewWarn: 30 * time.Second,
		// StatusListenAddr is left unset: the metrics server below already
		// binds cfg.Metrics.ListenAddr, and the two must not collide.
	}

	n, err := core.NewNode(nodeCfg, identity, db, core.Collaborators{}, netLog)
	if err != nil {
		return fmt.Errorf("new node: %w", err)
	}
	if err := n.Metrics().Register(prometheus.DefaultRegisterer); err != nil {
		netLog.WithError(err).Warn("cli: metrics already registered")
	}
	startMetricsServer(cfg.Metrics.ListenAddr)

	netMu.Lock()
	netNode = n
	netMu.Unlock()

	for _, peer := range cfg.Network.BootstrapPeers {
		addr, err := resolveAddress(peer)
		if err != nil {
			netLog.WithError(err).WithField("peer", peer).Warn("cli: skipping unparsable bootstrap peer")
			continue
		}
		go func(a core.Address) {
			if err := n.Dial(a); err != nil {
				netLog.WithError(err).WithField("addr", a.String()).Debug("cli: bootstrap dial failed")
			}
		}(addr)
	}

	return nil
}

func resolveAddress(s string) (core.Address, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", s)
	if err != nil {
		return core.Address{}, err
	}
	return core.AddressFromNetAddr(tcpAddr)
}

func netStart(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		return fmt.Errorf("not initialised")
	}
	errCh := make(chan error, 1)
	go func() { errCh <- n.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-sig:
		return n.Close()
	}
}

func netStop(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "not running")
		return nil
	}
	if err := n.Close(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "stopped")
	return nil
}

func netPeers(cmd *cobra.Command, _ []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		return fmt.Errorf("not running")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "peers: %d\n", n.PeerCount())
	for _, addr := range n.AccessibleAddrs() {
		fmt.Fprintln(cmd.OutOrStdout(), addr.String())
	}
	return nil
}

func netBroadcastTx(cmd *cobra.Command, args []string) error {
	netMu.RLock()
	n := netNode
	netMu.RUnlock()
	if n == nil {
		return fmt.Errorf("not running")
	}
	payload, err := decodePayload(args[0])
	if err != nil {
		return err
	}
	n.BroadcastTx(payload)
	fmt.Fprintln(cmd.OutOrStdout(), "queued")
	return nil
}

func decodePayload(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		return hex.DecodeString(strings.TrimPrefix(s, "0x"))
	}
	return []byte(s), nil
}

var metricsServer *http.Server

func startMetricsServer(addr string) {
	if addr == "" || metricsServer != nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer = &http.Server{Addr: addr, Handler: mux}
	go func() { _ = metricsServer.ListenAndServe() }()
}

var netRootCmd = &cobra.Command{Use: "network", Short: "P2P networking", PersistentPreRunE: netInit}

var netStartCmd = &cobra.Command{Use: "start", Short: "Start the node and block until signaled", Args: cobra.NoArgs, RunE: netStart}
var netStopCmd = &cobra.Command{Use: "stop", Short: "Stop the node", Args: cobra.NoArgs, RunE: netStop}
var netPeersCmd = &cobra.Command{Use: "peers", Short: "List known peers", Args: cobra.NoArgs, RunE: netPeers}
var netBroadcastTxCmd = &cobra.Command{Use: "broadcast-tx <hex|string>", Short: "Broadcast a transaction frame", Args: cobra.ExactArgs(1), RunE: netBroadcastTx}

func init() {
	netRootCmd.AddCommand(netStartCmd, netStopCmd, netPeersCmd, netBroadcastTxCmd)
}

// NetworkCmd exposes the P2P networking commands.
var NetworkCmd = netRootCmd

// RegisterNetwork adds the networking commands to the root CLI.
func RegisterNetwork(root *cobra.Command) { root.AddCommand(NetworkCmd) }
