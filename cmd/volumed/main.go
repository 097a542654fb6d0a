package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/whispem/minikv/pkg/log"
	"github.com/whispem/minikv/pkg/rpc"
	"github.com/whispem/minikv/pkg/volume"
	"github.com/whispem/minikv/pkg/wal"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

// fileConfig is the volume daemon's on-disk configuration.
type fileConfig struct {
	GRPCAddr               string   `yaml:"grpc_addr"`
	DataPath               string   `yaml:"data_path"`
	WALPath                string   `yaml:"wal_path"`
	Coordinators           []string `yaml:"coordinators"`
	MaxBlobSize            uint64   `yaml:"max_blob_size"`
	CompactionIntervalSecs int      `yaml:"compaction_interval_secs"`
	CompactionThreshold    int      `yaml:"compaction_threshold"`
	HeartbeatIntervalSecs  int      `yaml:"heartbeat_interval_secs"`
	EnableBloom            bool     `yaml:"enable_bloom"`
	EnableSnapshots        bool     `yaml:"enable_snapshots"`
	WALSync                string   `yaml:"wal_sync"`
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

func parseSyncPolicy(s string) wal.SyncPolicy {
	switch strings.ToLower(s) {
	case "interval":
		return wal.SyncInterval
	case "never":
		return wal.SyncNever
	default:
		return wal.SyncAlways
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "volumed",
	Short:   "minikv volume daemon",
	Long:    "volumed runs one replicated blob store volume and reports its liveness to the coordinators it is configured with.",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("volumed version %s\nCommit: %s\n", Version, Commit))
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
	Short: "Start this volume node",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().String("config", "", "Path to a YAML config file")
	startCmd.Flags().String("grpc-addr", "127.0.0.1:7100", "gRPC listen address for VolumeService")
	startCmd.Flags().String("data-path", "./volume-data", "Directory for segment files")
	startCmd.Flags().String("wal-path", "./volume-wal", "Directory for the write-ahead log")
	startCmd.Flags().StringSlice("coordinator", nil, "Coordinator gRPC address to heartbeat to (repeatable)")
	startCmd.Flags().Uint64("max-blob-size", 0, "Largest permitted single blob, in bytes (default 1GiB)")
	startCmd.Flags().Int("compaction-interval-secs", 0, "Seconds between background compaction passes (default 300)")
	startCmd.Flags().Int("compaction-threshold", 0, "Dead-byte ratio percent (default 10); accepted but not consulted: background compaction runs every interval")
	startCmd.Flags().Int("heartbeat-interval-secs", 0, "Seconds between heartbeats to coordinators (default 10)")
	startCmd.Flags().Bool("enable-bloom", true, "Enable the negative-lookup bloom filter")
	startCmd.Flags().Bool("enable-snapshots", true, "Accepted but not consulted: the index snapshot is written only after a compaction pass")
	startCmd.Flags().String("wal-sync", "always", "WAL fsync policy: always, interval, or never")
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	fcfg, err := loadFileConfig(configPath)
	if err != nil {
		return err
	}

	grpcAddr := flagOrConfig(cmd, "grpc-addr", fcfg.GRPCAddr)
	dataPath := flagOrConfig(cmd, "data-path", fcfg.DataPath)
	walPath := flagOrConfig(cmd, "wal-path", fcfg.WALPath)
	coordinators, _ := cmd.Flags().GetStringSlice("coordinator")
	if len(coordinators) == 0 {
		coordinators = fcfg.Coordinators
	}
	maxBlobSize, _ := cmd.Flags().GetUint64("max-blob-size")
	if maxBlobSize == 0 {
		maxBlobSize = fcfg.MaxBlobSize
	}
	compactionIntervalSecs, _ := cmd.Flags().GetInt("compaction-interval-secs")
	if compactionIntervalSecs == 0 {
		compactionIntervalSecs = fcfg.CompactionIntervalSecs
	}
	compactionThreshold, _ := cmd.Flags().GetInt("compaction-threshold")
	if compactionThreshold == 0 {
		compactionThreshold = fcfg.CompactionThreshold
	}
	heartbeatIntervalSecs, _ := cmd.Flags().GetInt("heartbeat-interval-secs")
	if heartbeatIntervalSecs == 0 {
		heartbeatIntervalSecs = fcfg.HeartbeatIntervalSecs
	}
	enableBloom, _ := cmd.Flags().GetBool("enable-bloom")
	enableSnapshots, _ := cmd.Flags().GetBool("enable-snapshots")
	walSyncFlag, _ := cmd.Flags().GetString("wal-sync")
	if !cmd.Flags().Changed("wal-sync") && fcfg.WALSync != "" {
		walSyncFlag = fcfg.WALSync
	}

	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return fmt.Errorf("creating data-path: %w", err)
	}
	if err := os.MkdirAll(walPath, 0o755); err != nil {
		return fmt.Errorf("creating wal-path: %w", err)
	}

	node, err := volume.NewNode(volume.Config{
		GRPCAddr:            grpcAddr,
		DataPath:            dataPath,
		WALPath:             walPath,
		Coordinators:        coordinators,
		MaxBlobSize:         maxBlobSize,
		CompactionInterval:  time.Duration(compactionIntervalSecs) * time.Second,
		CompactionThreshold: compactionThreshold,
		HeartbeatInterval:   time.Duration(heartbeatIntervalSecs) * time.Second,
		EnableBloom:         enableBloom,
		EnableSnapshots:     enableSnapshots,
		WALSync:             parseSyncPolicy(walSyncFlag),
	})
	if err != nil {
		return fmt.Errorf("opening volume node: %w", err)
	}
	defer node.Close()

	logger := log.WithVolumeID(node.ID)
	logger.Info().Str("grpc_addr", grpcAddr).Strs("coordinators", coordinators).Msg("starting volume")

	server := rpc.NewServer()
	server.RegisterVolumeService(rpc.NewVolumeAdapter(node))

	errCh := make(chan error, 1)
	go func() {
		if err := server.Serve(grpcAddr); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	heartbeatStop := make(chan struct{})
	if len(coordinators) > 0 {
		go runHeartbeatLoop(node, grpcAddr, coordinators, time.Duration(heartbeatIntervalSecs)*time.Second, heartbeatStop)
	} else {
		logger.Warn().Msg("no coordinators configured; this volume will never be placed")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("fatal error")
	}

	close(heartbeatStop)
	server.Stop()
	return nil
}

func flagOrConfig(cmd *cobra.Command, flag, fallback string) string {
	v, _ := cmd.Flags().GetString(flag)
	if cmd.Flags().Changed(flag) || fallback == "" {
		return v
	}
	return fallback
}

// runHeartbeatLoop reports this volume's liveness and size counters to its
// configured coordinators every interval, cycling to the next coordinator
// in the list whenever the current one rejects the heartbeat (e.g. because
// it is not the Raft leader and so cannot register a previously-unseen
// volume).
func runHeartbeatLoop(node *volume.Node, grpcAddr string, coordinators []string, interval time.Duration, stop chan struct{}) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := log.WithVolumeID(node.ID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	idx := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			sent := false
			for attempt := 0; attempt < len(coordinators); attempt++ {
				addr := coordinators[idx%len(coordinators)]
				if err := sendHeartbeat(node, grpcAddr, addr); err != nil {
					logger.Warn().Str("coordinator", addr).Err(err).Msg("heartbeat failed")
					idx++
					continue
				}
				sent = true
				break
			}
			if !sent {
				logger.Error().Msg("heartbeat failed against every configured coordinator")
			}
		}
	}
}

func sendHeartbeat(node *volume.Node, grpcAddr, coordinatorAddr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := rpc.Dial(coordinatorAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	client := rpc.NewCoordinatorServiceClient(conn)
	stats := node.Stats(ctx)
	_, err = client.Heartbeat(ctx, &rpc.HeartbeatRequest{
		VolumeID:    node.ID,
		GRPCAddress: grpcAddr,
		TotalKeys:   stats.TotalKeys,
		TotalBytes:  stats.TotalBytes,
		FreeBytes:   stats.FreeBytes,
	})
	return err
}
