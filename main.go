package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"DistCount/internal/coordinator"
	"DistCount/internal/discovery"
	httpserver "DistCount/internal/http"
	"DistCount/internal/logger"
	"DistCount/internal/mapreduce"
	"DistCount/internal/planner"
	"DistCount/internal/raft"
	"DistCount/internal/storage"
	"DistCount/internal/wordcount"
)

// nodeConfig describes one coordinator node of the job API.
type nodeConfig struct {
	NodeID     string
	HTTPAddr   string
	RaftAddr   string
	RaftPort   int // 0 disables the journal
	RaftDir    string
	RaftPeers  []string
	RaftJoin   bool // wait to be added through gossip instead of bootstrapping
	GossipAddr string
	GossipPort int // 0 disables discovery
	GossipJoin []string
	Workers    int
}

// node bundles the services started for one nodeConfig.
type node struct {
	id        string
	coord     *coordinator.Coordinator
	cluster   *raft.Cluster
	discovery *discovery.NodeDiscovery
	server    *httpserver.Server
	logger    *logger.Logger
}

func main() {
	os.Exit(run())
}

// run returns the process exit code once every deferred cleanup has run.
func run() int {
	mode := flag.String("mode", "run", "Mode: 'run' a single job, 'serve' the job API, 'cluster' to start a 4-node local cluster, 'fs' to exercise a storage backend")

	input := flag.String("input", "", "Comma separated input files or directories")
	output := flag.String("output", "", "Output directory")
	caseSensitive := flag.Bool("case-sensitive", true, "Count words case sensitively; -case-sensitive=false folds case")
	skipFile := flag.String("skip", "", "File of newline-delimited regular expressions to strip before counting")
	skipLiterals := flag.String("skip-literals", "", "Whitespace separated literal strings to strip before counting, e.g. \", ! .\"")
	reducers := flag.Int("reducers", coordinator.DefaultReducers, "Number of reduce partitions")
	workers := flag.Int("workers", coordinator.DefaultWorkers, "Worker pool size")
	retries := flag.Int("retries", coordinator.DefaultRetryLimit, "Attempts per task before the job fails")
	splitSize := flag.Int64("split-size", planner.DefaultSplitSize, "Target input split size in bytes")
	noCombiner := flag.Bool("no-combiner", false, "Disable map-side combining")
	overwrite := flag.Bool("overwrite", false, "Replace an existing output directory")
	quiet := flag.Bool("quiet", false, "Do not print counts after the job")

	storeURI := flag.String("storage", "local", "Storage: 'local', 'mem', 'hdfs://[user@]namenode:port', 'azure://account'")
	logLevel := flag.String("log-level", "INFO", "Log level: DEBUG, INFO, WARN, ERROR")

	nodeID := flag.String("node-id", "node-1", "Node identifier for serve mode")
	httpAddr := flag.String("http", ":8080", "HTTP listen address for serve mode")
	raftAddr := flag.String("raft-addr", "127.0.0.1", "Raft bind address")
	raftPort := flag.Int("raft-port", 0, "Raft port; 0 disables the replicated journal")
	raftDir := flag.String("raft-dir", "", "Raft data directory (default /tmp/dcount-<node-id>)")
	raftPeers := flag.String("raft-peers", "", "Comma separated raft voters as nodeID@host:port")
	raftBootstrap := flag.Bool("raft-bootstrap", true, "Bootstrap the raft configuration; false waits for the leader to add this node through gossip")
	gossipAddr := flag.String("gossip-addr", "127.0.0.1", "Gossip bind address")
	gossipPort := flag.Int("gossip-port", 0, "Gossip port; 0 disables discovery")
	gossipJoin := flag.String("gossip-join", "", "Comma separated gossip addresses to join")

	op := flag.String("op", "ls", "fs mode operation: ls, write, cat")
	path := flag.String("path", "", "fs mode path")
	data := flag.String("data", "Hello World!", "fs mode text to write")

	flag.Parse()

	lg := logger.New(*logLevel)

	store, err := storage.Open(*storeURI)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open storage: %v\n", err)
		return 2
	}
	defer closeStore(store, lg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch *mode {
	case "run":
		spec := coordinator.JobSpec{
			Inputs:        splitList(*input),
			Output:        *output,
			CaseSensitive: caseSensitive,
			SkipFile:      *skipFile,
			SkipPatterns:  strings.Fields(*skipLiterals),
			Reducers:      *reducers,
			RetryLimit:    *retries,
			SplitSize:     *splitSize,
			NoCombiner:    *noCombiner,
			Overwrite:     *overwrite,
		}
		code = runJob(ctx, lg, store, *workers, spec, !*quiet)

	case "serve":
		dir := *raftDir
		if dir == "" {
			dir = filepath.Join(os.TempDir(), "dcount-"+*nodeID)
		}
		n, err := startNode(lg, store, nodeConfig{
			NodeID:     *nodeID,
			HTTPAddr:   *httpAddr,
			RaftAddr:   *raftAddr,
			RaftPort:   *raftPort,
			RaftDir:    dir,
			RaftPeers:  splitList(*raftPeers),
			RaftJoin:   !*raftBootstrap,
			GossipAddr: *gossipAddr,
			GossipPort: *gossipPort,
			GossipJoin: splitList(*gossipJoin),
			Workers:    *workers,
		})
		if err != nil {
			lg.Error("Failed to start node: %v", err)
			code = 1
			break
		}
		<-ctx.Done()
		n.stop()

	case "cluster":
		code = startCluster(ctx, lg, store, *workers)

	case "fs":
		code = runFS(store, *op, *path, *data)

	default:
		fmt.Fprintf(os.Stderr, "Unknown mode: %s\n", *mode)
		code = 2
	}
	return code
}

// closeStore releases remote storage clients such as the HDFS connection.
func closeStore(store storage.Adapter, lg *logger.Logger) {
	closer, ok := store.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		lg.Warn("Failed to close storage: %v", err)
	}
}

// runJob runs one job to completion and prints its counts.
func runJob(ctx context.Context, lg *logger.Logger, store storage.Adapter, workers int, spec coordinator.JobSpec, printCounts bool) int {
	coord, err := coordinator.New(coordinator.Config{Store: store, Workers: workers, Logger: lg})
	if err != nil {
		lg.Error("Failed to create coordinator: %v", err)
		return 2
	}
	defer coord.Close()

	job, err := coord.Submit(ctx, spec)
	if err != nil {
		lg.Error("Job rejected: %v", err)
		return 2
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		lg.Warn("Interrupted, cancelling job: job_id=%s", job.ID())
		job.Cancel()
	}

	st, err := job.Wait(context.Background())
	if err != nil {
		lg.Error("Job %s finished in phase %s: %v", st.ID, st.Phase, err)
		return 1
	}
	lg.Info("Job %s completed: records=%d words=%d attempts=%d output=%s",
		st.ID, st.Records, st.Words, st.Attempts, st.Output)

	if printCounts {
		counts, err := mapreduce.ReadOutput(store, spec.Output)
		if err != nil {
			lg.Error("Failed to read output: %v", err)
			return 1
		}
		wordcount.PrintResults(os.Stdout, counts)
	}
	return 0
}

func startNode(lg *logger.Logger, store storage.Adapter, cfg nodeConfig) (*node, error) {
	n := &node{id: cfg.NodeID, logger: lg.Named(cfg.NodeID)}
	opts := httpserver.ServerOpts{ID: cfg.NodeID, Addr: cfg.HTTPAddr, Logger: n.logger}
	coordCfg := coordinator.Config{Store: store, Workers: cfg.Workers, Logger: n.logger}

	if cfg.RaftPort > 0 {
		c, err := raft.NewCluster(raft.Config{
			NodeID:   cfg.NodeID,
			BindAddr: cfg.RaftAddr,
			BindPort: cfg.RaftPort,
			DataDir:  cfg.RaftDir,
			Peers:    cfg.RaftPeers,
			Logger:   n.logger,

			NoBootstrap: cfg.RaftJoin,
		})
		if err != nil {
			return nil, err
		}
		n.cluster = c
		coordCfg.Journal = c
		opts.Raft = c
	}

	if cfg.GossipPort > 0 {
		slots := cfg.Workers
		if slots == 0 {
			slots = coordinator.DefaultWorkers
		}
		var raftAddr string
		if n.cluster != nil {
			raftAddr = fmt.Sprintf("%s:%d", cfg.RaftAddr, cfg.RaftPort)
		}
		d, err := discovery.NewNodeDiscovery(discovery.Config{
			NodeID:       cfg.NodeID,
			LocalAddress: cfg.GossipAddr,
			LocalPort:    cfg.GossipPort,
			JoinAddrs:    cfg.GossipJoin,
			HTTPAddr:     cfg.HTTPAddr,
			RaftAddr:     raftAddr,
			Slots:        slots,
			Logger:       n.logger,
		})
		if err != nil {
			n.stop()
			return nil, err
		}
		n.discovery = d
		opts.Members = d
		if n.cluster != nil {
			n.cluster.FollowMembership(d)
		}
	}

	coord, err := coordinator.New(coordCfg)
	if err != nil {
		n.stop()
		return nil, err
	}
	n.coord = coord

	n.server = httpserver.NewServer(opts, coord)
	if err := n.server.Start(); err != nil {
		n.stop()
		return nil, err
	}
	return n, nil
}

// stop tears the node down in reverse start order.
func (n *node) stop() {
	if n.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := n.server.Shutdown(ctx); err != nil {
			n.logger.Warn("HTTP shutdown: %v", err)
		}
		cancel()
	}
	if n.coord != nil {
		n.coord.Close()
	}
	if n.discovery != nil {
		if err := n.discovery.Leave(time.Second); err != nil {
			n.logger.Warn("Gossip leave: %v", err)
		}
		n.discovery.Shutdown()
	}
	if n.cluster != nil {
		if err := n.cluster.Close(); err != nil {
			n.logger.Warn("Raft shutdown: %v", err)
		}
	}
	n.logger.Info("Node stopped: node_id=%s", n.id)
}

// startCluster runs four local nodes sharing one store until ctx is done.
func startCluster(ctx context.Context, lg *logger.Logger, store storage.Adapter, workers int) int {
	lg.Info("Starting 4-node word count cluster...")

	nodes := []struct {
		NodeID     string
		HTTPPort   int
		RaftPort   int
		GossipPort int
	}{
		{"node-1", 8081, 9001, 7946},
		{"node-2", 8082, 9002, 7947},
		{"node-3", 8083, 9003, 7948},
		{"node-4", 8084, 9004, 7949},
	}

	var peers []string
	for _, n := range nodes {
		peers = append(peers, fmt.Sprintf("%s@127.0.0.1:%d", n.NodeID, n.RaftPort))
	}

	var started []*node
	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			started[i].stop()
		}
	}()

	for i, n := range nodes {
		dataDir := filepath.Join(os.TempDir(), "dcount-"+n.NodeID)
		if err := os.RemoveAll(dataDir); err != nil {
			lg.Warn("[%s] Failed to clear raft data %s: %v", n.NodeID, dataDir, err)
		}

		var join []string
		if i > 0 {
			join = []string{fmt.Sprintf("127.0.0.1:%d", nodes[0].GossipPort)}
		}

		nd, err := startNode(lg, store, nodeConfig{
			NodeID:     n.NodeID,
			HTTPAddr:   fmt.Sprintf("127.0.0.1:%d", n.HTTPPort),
			RaftAddr:   "127.0.0.1",
			RaftPort:   n.RaftPort,
			RaftDir:    dataDir,
			RaftPeers:  peers,
			GossipAddr: "127.0.0.1",
			GossipPort: n.GossipPort,
			GossipJoin: join,
			Workers:    workers,
		})
		if err != nil {
			lg.Error("[%s] Failed to start node: %v", n.NodeID, err)
			return 1
		}
		started = append(started, nd)
	}

	if err := started[0].cluster.WaitForLeader(10 * time.Second); err != nil {
		lg.Error("Cluster has no leader: %v", err)
		return 1
	}
	for _, n := range nodes {
		lg.Info("  %s: http://localhost:%d", n.NodeID, n.HTTPPort)
	}
	lg.Info("Raft leader: %s", started[0].cluster.GetLeader())

	<-ctx.Done()
	return 0
}

// runFS lists a directory, writes a line of text, or prints a file.
func runFS(store storage.Adapter, op, path, data string) int {
	if path == "" {
		fmt.Fprintln(os.Stderr, "fs mode needs -path")
		return 2
	}

	switch op {
	case "ls":
		infos, err := store.List(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ls %s: %v\n", path, err)
			return 1
		}
		for _, info := range infos {
			fmt.Printf("%10d  %s\n", info.Size, info.Path)
		}

	case "write":
		if err := storage.WriteFile(store, path, []byte(data+"\n")); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
			return 1
		}
		fmt.Printf("Wrote %d bytes to %s\n", len(data)+1, path)

	case "cat":
		b, err := storage.ReadFile(store, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cat %s: %v\n", path, err)
			return 1
		}
		os.Stdout.Write(b)

	default:
		fmt.Fprintf(os.Stderr, "Unknown fs operation: %s\n", op)
		return 2
	}
	return 0
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
