package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/whispem/minikv/pkg/consensus"
	"github.com/whispem/minikv/pkg/coordinator"
	"github.com/whispem/minikv/pkg/log"
	"github.com/whispem/minikv/pkg/metadata"
	"github.com/whispem/minikv/pkg/metrics"
	"github.com/whispem/minikv/pkg/ops"
	"github.com/whispem/minikv/pkg/rpc"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// fileConfig is the Coordinator's on-disk configuration, loaded from a
// YAML config file and then overridden by any flags the operator passed
// explicitly.
type fileConfig struct {
	NodeID              string   `yaml:"node_id"`
	BindAddr            string   `yaml:"bind_addr"`
	GRPCAddr            string   `yaml:"grpc_addr"`
	DBPath              string   `yaml:"db_path"`
	Peers               []string `yaml:"peers"`
	Replicas            int      `yaml:"replicas"`
	ElectionTimeoutMS   int      `yaml:"election_timeout_ms"`
	HeartbeatIntervalMS int      `yaml:"heartbeat_interval_ms"`
	SnapshotThreshold   uint64   `yaml:"snapshot_threshold"`
	NumShards           uint64   `yaml:"num_shards"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coordinatord",
	Short:   "minikv coordinator daemon",
	Long:    "coordinatord runs the replicated metadata directory, 2PC orchestration, and cluster membership for a minikv cluster.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("coordinatord version %s\nCommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start this coordinator node",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("config", "", "Path to a YAML config file")
	startCmd.Flags().String("node-id", "", "Unique node ID (default: a generated UUID)")
	startCmd.Flags().String("bind-addr", "127.0.0.1:7000", "Raft transport bind address")
	startCmd.Flags().String("grpc-addr", "127.0.0.1:7001", "gRPC listen address for CoordinatorService")
	startCmd.Flags().String("db-path", "./coordinator-data", "Directory for the metadata database and Raft logs")
	startCmd.Flags().StringSlice("peer", nil, "Existing coordinator gRPC address to join through (repeatable)")
	startCmd.Flags().Int("replicas", 0, "Replication factor (default 3)")
	startCmd.Flags().Int("election-timeout-ms", 0, "Raft election/heartbeat timeout in milliseconds (default 300)")
	startCmd.Flags().Int("heartbeat-interval-ms", 0, "Volume membership heartbeat interval in milliseconds (default 10000)")
	startCmd.Flags().Uint64("snapshot-threshold", 0, "Raft log entries before a snapshot is taken (default 10000)")
	startCmd.Flags().Uint64("num-shards", 0, "Number of shards in the placement keyspace (default 256)")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	fcfg, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}

	nodeID, _ := cmd.Flags().GetString("node-id")
	if nodeID == "" {
		nodeID = fcfg.NodeID
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	bindAddr := flagOrConfig(cmd, "bind-addr", fcfg.BindAddr)
	grpcAddr := flagOrConfig(cmd, "grpc-addr", fcfg.GRPCAddr)
	dbPath := flagOrConfig(cmd, "db-path", fcfg.DBPath)
	peers, _ := cmd.Flags().GetStringSlice("peer")
	if len(peers) == 0 {
		peers = fcfg.Peers
	}
	replicas, _ := cmd.Flags().GetInt("replicas")
	if replicas == 0 {
		replicas = fcfg.Replicas
	}
	electionMS, _ := cmd.Flags().GetInt("election-timeout-ms")
	if electionMS == 0 {
		electionMS = fcfg.ElectionTimeoutMS
	}
	heartbeatMS, _ := cmd.Flags().GetInt("heartbeat-interval-ms")
	if heartbeatMS == 0 {
		heartbeatMS = fcfg.HeartbeatIntervalMS
	}
	snapshotThreshold, _ := cmd.Flags().GetUint64("snapshot-threshold")
	if snapshotThreshold == 0 {
		snapshotThreshold = fcfg.SnapshotThreshold
	}
	numShards, _ := cmd.Flags().GetUint64("num-shards")
	if numShards == 0 {
		numShards = fcfg.NumShards
	}

	logger := log.WithNodeID(nodeID)
	logger.Info().Str("bind_addr", bindAddr).Str("grpc_addr", grpcAddr).Msg("starting coordinator")

	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return fmt.Errorf("creating db-path: %w", err)
	}

	store, err := metadata.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer store.Close()

	raftNode, err := consensus.New(consensus.Config{
		NodeID:            nodeID,
		BindAddr:          bindAddr,
		DataDir:           dbPath,
		ElectionTimeout:   time.Duration(electionMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(heartbeatMS) * time.Millisecond,
		SnapshotThreshold: snapshotThreshold,
	}, store)
	if err != nil {
		return fmt.Errorf("creating raft node: %w", err)
	}

	if len(peers) == 0 {
		if err := raftNode.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrapping cluster: %w", err)
		}
		logger.Info().Msg("bootstrapped new single-node cluster")
	} else {
		if err := joinExisting(nodeID, bindAddr, peers); err != nil {
			return fmt.Errorf("joining cluster: %w", err)
		}
		logger.Info().Strs("peers", peers).Msg("requested to join existing cluster")
	}

	coord := coordinator.New(coordinator.Config{
		ReplicationFactor: replicas,
		NumShards:         numShards,
		HeartbeatInterval: time.Duration(heartbeatMS) * time.Millisecond,
	}, raftNode, store)
	defer coord.Close()

	metricsCollector := metrics.NewCollector(coord)
	metricsCollector.Start()
	defer metricsCollector.Stop()

	server := rpc.NewServer()
	server.RegisterCoordinatorService(rpc.NewCoordinatorAdapter(raftNode, coord))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(grpcAddr); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	reconcileStop := startReconciler(coord)
	defer close(reconcileStop)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal error")
	}

	server.Stop()
	if err := raftNode.Shutdown(); err != nil {
		return err
	}
	return nil
}

func flagOrConfig(cmd *cobra.Command, flag, fallback string) string {
	v, _ := cmd.Flags().GetString(flag)
	if cmd.Flags().Changed(flag) || fallback == "" {
		return v
	}
	return fallback
}

// joinExisting asks each candidate peer, in turn, to add this node as a
// Raft voter; a non-leader peer's reply names the real leader, which is
// then tried next.
func joinExisting(nodeID, bindAddr string, peers []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	candidate := peers[0]
	for attempt := 0; attempt < len(peers)+5; attempt++ {
		conn, err := rpc.Dial(candidate)
		if err != nil {
			return err
		}
		client := rpc.NewCoordinatorServiceClient(conn)
		reply, err := client.Join(ctx, &rpc.JoinRequest{NodeID: nodeID, RaftAddr: bindAddr})
		conn.Close()
		if err != nil {
			return err
		}
		if reply.Accepted {
			return nil
		}
		if reply.LeaderAddr != "" && reply.LeaderAddr != candidate {
			candidate = reply.LeaderAddr
			continue
		}
		// Leader not yet known to this peer; give the cluster a moment to
		// elect one and retry the same candidate.
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("could not locate cluster leader among configured peers")
}

// startReconciler runs the verify/repair/compact cluster walks on
// independent tickers, so an operator does not need a separate process
// or external cron to keep the cluster self-healing.
func startReconciler(coord *coordinator.Coordinator) chan struct{} {
	stop := make(chan struct{})
	go func() {
		verifyTicker := time.NewTicker(30 * time.Second)
		repairTicker := time.NewTicker(time.Minute)
		compactTicker := time.NewTicker(10 * time.Minute)
		defer verifyTicker.Stop()
		defer repairTicker.Stop()
		defer compactTicker.Stop()

		ctx := context.Background()
		for {
			select {
			case <-stop:
				return
			case <-verifyTicker.C:
				if !coord.IsLeader() {
					continue
				}
				if _, err := ops.Verify(ctx, coord, false); err != nil {
					log.WithComponent("reconciler").Warn().Err(err).Msg("verify walk failed")
				}
			case <-repairTicker.C:
				if !coord.IsLeader() {
					continue
				}
				if _, err := ops.Repair(ctx, coord, false); err != nil {
					log.WithComponent("reconciler").Warn().Err(err).Msg("repair walk failed")
				}
			case <-compactTicker.C:
				if !coord.IsLeader() {
					continue
				}
				if _, err := ops.Compact(ctx, coord, nil); err != nil {
					log.WithComponent("reconciler").Warn().Err(err).Msg("compact walk failed")
				}
			}
		}
	}()
	return stop
}
