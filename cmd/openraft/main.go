package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Veeupup/openraft/pkg/config"
	"github.com/Veeupup/openraft/pkg/events"
	"github.com/Veeupup/openraft/pkg/log"
	"github.com/Veeupup/openraft/pkg/metrics"
	"github.com/Veeupup/openraft/pkg/network"
	"github.com/Veeupup/openraft/pkg/raft"
	"github.com/Veeupup/openraft/pkg/storage"
	"github.com/Veeupup/openraft/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "openraft",
	Short: "openraft - a Raft consensus runtime",
	Long: `openraft runs a single Raft consensus node: leader election, log
replication, and snapshotting across a small cluster of cooperating peers,
over a gRPC transport with durable BoltDB storage.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"openraft version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if err := log.Setup(level, jsonOut, nil); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a consensus node",
	Long: `Serve starts one node: it recovers persisted state from the data
directory, listens for peer RPCs on the bind address, and joins the cluster
once a membership naming it a voter is learned (or bootstrapped with
--initialize).`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().Uint64("id", 0, "Node ID (required)")
	serveCmd.Flags().String("bind", "127.0.0.1:7070", "Address to listen on for peer RPCs")
	serveCmd.Flags().String("data-dir", "./data", "Directory for the BoltDB database")
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().StringSlice("peer", nil, "Peer in id=host:port form (repeatable)")
	serveCmd.Flags().String("initialize", "", "Comma-separated voter ids to bootstrap a pristine cluster with")
	serveCmd.Flags().String("metrics-addr", "", "Address for the Prometheus /metrics endpoint (disabled if empty)")
	serveCmd.Flags().Bool("mem-store", false, "Use the in-memory store instead of BoltDB")
	_ = serveCmd.MarkFlagRequired("id")
}

func runServe(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetUint64("id")
	bind, _ := cmd.Flags().GetString("bind")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	configPath, _ := cmd.Flags().GetString("config")
	peerSpecs, _ := cmd.Flags().GetStringSlice("peer")
	initSpec, _ := cmd.Flags().GetString("initialize")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	memStore, _ := cmd.Flags().GetBool("mem-store")

	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFile(configPath)
		if err != nil {
			return err
		}
	}

	logger := log.WithNodeID(id)
	logger.Info().Str("cluster", cfg.ClusterName).Str("bind", bind).Msg("starting openraft node")

	peers, err := parsePeers(peerSpecs)
	if err != nil {
		return err
	}

	var store storage.Store
	if memStore {
		store = storage.NewMemStore()
	} else {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		store, err = storage.NewBoltStore(dataDir)
		if err != nil {
			return err
		}
	}
	defer store.Close()

	client := network.NewGRPCNetwork(peers)
	defer client.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	go logEvents(broker)

	node, err := raft.New(types.NodeID(id), cfg, client, store, broker)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", bind, err)
	}
	server := network.NewServer(node)
	go func() {
		if err := server.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("rpc server stopped")
		}
	}()
	defer server.Stop()

	if metricsAddr != "" {
		metrics.Register()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if initSpec != "" {
		members, err := parseMembers(initSpec)
		if err != nil {
			return err
		}
		// Give the RPC server a moment so peers can answer the first
		// election.
		time.Sleep(100 * time.Millisecond)
		if err := node.Initialize(context.Background(), members); err != nil {
			return fmt.Errorf("failed to initialize cluster: %w", err)
		}
		logger.Info().Interface("voters", members.Voters).Msg("cluster initialized")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down")
	return nil
}

// logEvents mirrors the cluster event stream into the log.
func logEvents(broker *events.Broker) {
	eventLog := log.WithComponent("events")
	sub := broker.Subscribe()
	for ev := range sub {
		eventLog.Info().
			Str("type", string(ev.Type)).
			Uint64("node_id", ev.NodeID).
			Uint64("term", ev.Term).
			Msg(ev.Message)
	}
}

func parsePeers(specs []string) (map[types.NodeID]string, error) {
	peers := make(map[types.NodeID]string, len(specs))
	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid peer %q, want id=host:port", spec)
		}
		id, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id in %q: %w", spec, err)
		}
		peers[types.NodeID(id)] = parts[1]
	}
	return peers, nil
}

func parseMembers(spec string) (types.Membership, error) {
	var ids []types.NodeID
	for _, part := range strings.Split(spec, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return types.Membership{}, fmt.Errorf("invalid member id %q: %w", part, err)
		}
		ids = append(ids, types.NodeID(id))
	}
	return types.NewMembership(ids...), nil
}
