package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/node"
)

// Exit codes: 0 normal, 1 argument/configuration error, 2 fatal runtime
// error, 130 on SIGINT.
const (
	exitOK      = 0
	exitConfig  = 1
	exitRuntime = 2
	exitSigint  = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	id := flag.Int("id", 0, "node id (required)")
	total := flag.Int("total", 6, "cluster size")
	leaderID := flag.Int("leader-id", 1, "id of the pinned leader")
	txPort := flag.Int("tx", 0, "app->PHY data port (required)")
	rxPort := flag.Int("rx", 0, "PHY->app data port (required)")
	ctrlPort := flag.Int("ctrl", 0, "local PHY control port (follower only)")
	verbose := flag.Bool("verbose", false, "enable debug logging")

	// Leader experiment surface.
	snrLevels := flag.String("snr-levels", "16.0,6.0", "comma-separated SNR tiers in dB (leader only)")
	pNodeLevels := flag.String("p-node-levels", "0.6,0.7,0.8,0.9", "comma-separated p_node levels (leader only)")
	nLevels := flag.String("n-levels", "1,2,3,4,5,6", "comma-separated cluster sizes (leader only)")
	rounds := flag.Int("rounds", 30, "voting rounds per grid cell (leader only)")
	voteDeadline := flag.Float64("vote-deadline", 0.5, "per-round vote deadline in seconds (leader only)")
	stabilizeTime := flag.Float64("stabilize-time", 2.0, "minimum SNR stabilization wait in seconds (leader only)")
	minPeers := flag.Int("min-peers", 1, "peers that must track the SNR target before rounds start (leader only)")
	outcomeDB := flag.String("outcome-db", "", "path of the bbolt outcome database (leader only, empty = in-memory)")
	outputDir := flag.String("output-dir", "results", "directory for the result artifact (leader only)")
	seed := flag.Int64("seed", 1, "seed of the ground-truth oracle (leader only)")

	// Follower experiment surface.
	targetSNR := flag.Float64("target-snr", 16.0, "initial target SNR in dB (follower only)")
	initGain := flag.Float64("init-gain", 0.5, "initial normalized TX gain (follower only)")
	pNode := flag.Float64("p-node", 1.0, "initial trust probability (follower only)")
	statusInterval := flag.Float64("status-interval", 2.0, "status line interval in seconds (follower only)")

	flag.Parse()

	logger := logging.New(fmt.Sprintf("node-%d", *id), *verbose)

	snrs, err := parseFloatList(*snrLevels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raftnode: bad --snr-levels: %v\n", err)
		return exitConfig
	}
	pNodes, err := parseFloatList(*pNodeLevels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raftnode: bad --p-node-levels: %v\n", err)
		return exitConfig
	}
	ns, err := parseIntList(*nLevels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raftnode: bad --n-levels: %v\n", err)
		return exitConfig
	}

	cfg := node.Config{
		ID:       *id,
		Total:    *total,
		LeaderID: *leaderID,
		TxPort:   *txPort,
		RxPort:   *rxPort,
		CtrlPort: *ctrlPort,

		SNRLevels:     snrs,
		PNodeLevels:   pNodes,
		NLevels:       ns,
		RoundsPerCell: *rounds,
		VoteDeadline:  time.Duration(*voteDeadline * float64(time.Second)),
		StabilizeTime: time.Duration(*stabilizeTime * float64(time.Second)),
		MinPeers:      *minPeers,
		OutcomeDB:     *outcomeDB,
		OutputDir:     *outputDir,
		Seed:          *seed,

		TargetSNR:      *targetSNR,
		InitGain:       *initGain,
		PNode:          *pNode,
		StatusInterval: time.Duration(*statusInterval * float64(time.Second)),

		Logger: logger,
	}

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "raftnode: %v\n", err)
		return exitConfig
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "raftnode: %v\n", err)
		return exitRuntime
	}

	// SIGINT/SIGTERM set the shutdown flag; every worker exits at its next
	// suspension point.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	interrupted := false
	done := make(chan struct{})
	var runErr error
	var artifact string
	go func() {
		artifact, runErr = n.Run()
		close(done)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received %v, shutting down", sig)
		interrupted = sig == os.Interrupt
		n.Shutdown()
		<-done
	case <-done:
	}
	n.Stop()

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "raftnode: %v\n", runErr)
		return exitRuntime
	}
	if artifact != "" {
		logger.Infof("artifact: %s", artifact)
	}
	if interrupted {
		return exitSigint
	}
	return exitOK
}

func parseFloatList(s string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", part)
		}
		out = append(out, v)
	}
	return out, nil
}

func parseIntList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", part)
		}
		out = append(out, v)
	}
	return out, nil
}
