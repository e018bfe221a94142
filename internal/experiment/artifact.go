package experiment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/storage"
)

// RunConfig is the configuration block of the result artifact.
type RunConfig struct {
	RunID         string    `json:"run_id"`
	NodeID        int       `json:"node_id"`
	TotalNodes    int       `json:"total_nodes"`
	SNRLevels     []float64 `json:"snr_levels"`
	PNodeLevels   []float64 `json:"p_node_levels"`
	NLevels       []int     `json:"n_levels"`
	RoundsPerCell int       `json:"rounds_per_cell"`
	VoteDeadlineS float64   `json:"vote_deadline_s"`
	StabilizeS    float64   `json:"stabilize_time_s"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// CellResult is the aggregate for one grid cell, recomputed from the round
// records on demand.
type CellResult struct {
	SNR       float64 `json:"snr"`
	PNode     float64 `json:"p_node"`
	N         int     `json:"n"`
	Rounds    int     `json:"rounds"`
	Committed int     `json:"committed"`
	Correct   int     `json:"correct"`
	PSys      float64 `json:"p_sys"`
	MeanNEff  float64 `json:"mean_n_eff"`
}

// Artifact is the schema of the result file.
type Artifact struct {
	Config RunConfig        `json:"config"`
	Cells  []CellResult     `json:"cells"`
	Rounds []storage.Record `json:"rounds"`
}

// AggregateCells groups round records by cell in first-seen order and
// computes P_sys and the mean effective size per cell. Running it twice over
// the same records yields identical results.
func AggregateCells(recs []storage.Record) []CellResult {
	type cellKey struct {
		snr   float64
		pNode float64
		n     int
	}

	var order []cellKey
	acc := make(map[cellKey]*CellResult)
	nEffSums := make(map[cellKey]int)

	for _, rec := range recs {
		key := cellKey{snr: rec.SNR, pNode: rec.PNode, n: rec.N}
		cell, ok := acc[key]
		if !ok {
			cell = &CellResult{SNR: rec.SNR, PNode: rec.PNode, N: rec.N}
			acc[key] = cell
			order = append(order, key)
		}

		cell.Rounds++
		if rec.Outcome.Committed {
			cell.Committed++
		}
		if rec.Outcome.Correct {
			cell.Correct++
		}
		if rec.Outcome.Committed && rec.Outcome.Correct {
			// PSys numerator accumulates in-place; normalized below.
			cell.PSys++
		}
		nEffSums[key] += rec.Outcome.NEff
	}

	out := make([]CellResult, 0, len(order))
	for _, key := range order {
		cell := acc[key]
		if cell.Rounds > 0 {
			cell.PSys /= float64(cell.Rounds)
			cell.MeanNEff = float64(nEffSums[key]) / float64(cell.Rounds)
		}
		out = append(out, *cell)
	}
	return out
}

// WriteArtifact writes the artifact as
// reliability_experiment_results_YYYYMMDD_HHMMSS.json under dir.
func WriteArtifact(dir string, a Artifact) (string, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	name := fmt.Sprintf("reliability_experiment_results_%s.json", time.Now().Format("20060102_150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal artifact: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return path, nil
}
