package node

import (
	"encoding/json"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/experiment"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

func validLeaderConfig() Config {
	return Config{
		ID:            1,
		Total:         3,
		LeaderID:      1,
		TxPort:        50000,
		RxPort:        50001,
		SNRLevels:     []float64{16.0},
		PNodeLevels:   []float64{0.8},
		NLevels:       []int{3},
		RoundsPerCell: 10,
		VoteDeadline:  500 * time.Millisecond,
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid leader", func(t *testing.T) {
		cfg := validLeaderConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("id out of range", func(t *testing.T) {
		cfg := validLeaderConfig()
		cfg.ID = 0
		assert.Error(t, cfg.Validate())

		cfg.ID = 256
		assert.Error(t, cfg.Validate())
	})

	t.Run("id beyond cluster size", func(t *testing.T) {
		cfg := validLeaderConfig()
		cfg.ID = 4
		cfg.LeaderID = 4
		assert.Error(t, cfg.Validate())
	})

	t.Run("missing ports", func(t *testing.T) {
		cfg := validLeaderConfig()
		cfg.TxPort = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("leader without levels", func(t *testing.T) {
		cfg := validLeaderConfig()
		cfg.SNRLevels = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("n level beyond cluster", func(t *testing.T) {
		cfg := validLeaderConfig()
		cfg.NLevels = []int{7}
		assert.Error(t, cfg.Validate())
	})

	t.Run("follower p_node out of range", func(t *testing.T) {
		cfg := validLeaderConfig()
		cfg.ID = 2
		cfg.PNode = 1.2
		assert.Error(t, cfg.Validate())
	})

	t.Run("follower valid", func(t *testing.T) {
		cfg := validLeaderConfig()
		cfg.ID = 2
		cfg.PNode = 0.8
		cfg.InitGain = 0.5
		assert.NoError(t, cfg.Validate())
	})
}

// freeUDPPorts reserves n distinct UDP ports by binding and releasing them.
func freeUDPPorts(t *testing.T, n int) []int {
	t.Helper()
	ports := make([]int, 0, n)
	conns := make([]*net.UDPConn, 0, n)
	for i := 0; i < n; i++ {
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		require.NoError(t, err)
		conns = append(conns, conn)
		ports = append(ports, conn.LocalAddr().(*net.UDPAddr).Port)
	}
	for _, conn := range conns {
		conn.Close()
	}
	return ports
}

// runTestHub emulates the broadcast channel: every frame arriving on hubPort
// fans out to all rx ports with a fixed SNR stamped in the metadata.
func runTestHub(t *testing.T, hubPort int, rxPorts []int, snr float64) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: hubPort})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 65536)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			frame, err := wire.Decode(buf[:n])
			if err != nil {
				continue
			}
			for _, port := range rxPorts {
				stampedSNR := snr
				stamped := frame
				stamped.Meta.SNRdB = &stampedSNR
				data, err := wire.Encode(stamped)
				if err != nil {
					continue
				}
				conn.WriteToUDP(data, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
			}
		}
	}()
}

// TestCluster_RunsMiniGrid drives a 3-node cluster over an in-process hub
// through a one-cell grid and checks the artifact.
func TestCluster_RunsMiniGrid(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}

	ports := freeUDPPorts(t, 4)
	hubPort, rxPorts := ports[0], ports[1:]
	runTestHub(t, hubPort, rxPorts, 16.0)

	outputDir := t.TempDir()

	mkFollower := func(id int, rxPort int) *Node {
		cfg := Config{
			ID:        id,
			Total:     3,
			LeaderID:  1,
			TxPort:    hubPort,
			RxPort:    rxPort,
			TargetSNR: 16.0,
			InitGain:  0.5,
			PNode:     1.0,
		}
		n, err := New(cfg)
		require.NoError(t, err)
		return n
	}

	f2 := mkFollower(2, rxPorts[1])
	f3 := mkFollower(3, rxPorts[2])
	require.NoError(t, f2.Start())
	require.NoError(t, f3.Start())
	defer f2.Stop()
	defer f3.Stop()

	leaderCfg := Config{
		ID:            1,
		Total:         3,
		LeaderID:      1,
		TxPort:        hubPort,
		RxPort:        rxPorts[0],
		SNRLevels:     []float64{16.0},
		PNodeLevels:   []float64{1.0},
		NLevels:       []int{3},
		RoundsPerCell: 3,
		VoteDeadline:  300 * time.Millisecond,
		StabilizeTime: 0,
		MinPeers:      2,
		OutputDir:     outputDir,
		Seed:          5,
	}
	leader, err := New(leaderCfg)
	require.NoError(t, err)
	require.NoError(t, leader.Start())
	defer leader.Stop()

	type result struct {
		path string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		path, err := leader.Run()
		done <- result{path, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-time.After(60 * time.Second):
		t.Fatal("grid walk did not finish")
	}
	require.NoError(t, res.err)
	require.FileExists(t, res.path)

	data, err := os.ReadFile(res.path)
	require.NoError(t, err)

	var artifact experiment.Artifact
	require.NoError(t, json.Unmarshal(data, &artifact))

	require.Len(t, artifact.Cells, 1)
	cell := artifact.Cells[0]
	assert.Equal(t, 3, cell.Rounds)
	// p_node = 1.0 everywhere: every round commits; correctness tracks the
	// oracle coin.
	assert.Equal(t, 3, cell.Committed)
	assert.InDelta(t, float64(cell.Correct)/3.0, cell.PSys, 1e-9)
	assert.Greater(t, cell.MeanNEff, 1.0)

	require.Len(t, artifact.Rounds, 3)
	for _, rec := range artifact.Rounds {
		assert.True(t, rec.Outcome.Committed)
	}
}
