package wire

import "encoding/json"

// Kind identifies the protocol message carried by a frame.
type Kind string

const (
	// RequestVote solicits an election vote from every reachable peer.
	KindRequestVote Kind = "REQUEST_VOTE"
	// Vote answers a RequestVote.
	KindVote Kind = "VOTE"
	// Append replicates log entries; an empty Append doubles as the heartbeat
	// payload on the replication path.
	KindAppend Kind = "APPEND"
	// AppendAck answers an Append and carries the voter's decision.
	KindAppendAck Kind = "APPEND_ACK"
	// Heartbeat is the leader's empty liveness beacon.
	KindHeartbeat Kind = "HEARTBEAT"
	// SNRReport broadcasts the leader's view of per-follower link quality.
	KindSNRReport Kind = "SNR_REPORT"
	// GainCmd commands a follower to set its transmit gain directly.
	KindGainCmd Kind = "GAIN_CMD"
	// ExpBegin announces a new experiment phase (SNR tier or p_node level).
	KindExpBegin Kind = "EXP_BEGIN"
	// ExpEnd announces the end of the experiment run.
	KindExpEnd Kind = "EXP_END"
)

var knownKinds = map[Kind]struct{}{
	KindRequestVote: {},
	KindVote:        {},
	KindAppend:      {},
	KindAppendAck:   {},
	KindHeartbeat:   {},
	KindSNRReport:   {},
	KindGainCmd:     {},
	KindExpBegin:    {},
	KindExpEnd:      {},
}

// DstBroadcast addresses a frame to every node behind the hub.
const DstBroadcast = "broadcast"

// Metadata is the JSON line prepended to every frame. The PHY (or the sim
// hub) fills SNRdB on the receive side; senders leave it nil.
type Metadata struct {
	Src     int      `json:"src"`
	Dst     string   `json:"dst"`
	Term    uint64   `json:"term"`
	Kind    Kind     `json:"kind"`
	RoundID uint64   `json:"round_id,omitempty"`
	SNRdB   *float64 `json:"snr_db,omitempty"`
}

// Frame is one framed application packet: metadata plus an opaque payload.
type Frame struct {
	Meta    Metadata
	Payload []byte
}

// Entry is a replicated log entry as it appears on the wire. It deliberately
// has no ground-truth field; the oracle bit never leaves the leader.
type Entry struct {
	Index   uint64 `json:"index"`
	Term    uint64 `json:"term"`
	Payload []byte `json:"payload"`
}

// RequestVoteBody is the payload of a REQUEST_VOTE frame.
type RequestVoteBody struct {
	CandidateID  int    `json:"candidate_id"`
	LastLogIndex uint64 `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

// VoteBody is the payload of a VOTE frame.
type VoteBody struct {
	Granted bool `json:"granted"`
}

// AppendBody is the payload of an APPEND frame. TargetSNR and PNode ride on
// every append (heartbeats included) so late joiners converge on the current
// experiment parameters without waiting for the next EXP_BEGIN.
type AppendBody struct {
	PrevLogIndex uint64  `json:"prev_log_index"`
	PrevLogTerm  uint64  `json:"prev_log_term"`
	Entries      []Entry `json:"entries"`
	LeaderCommit uint64  `json:"leader_commit"`
	TargetSNR    float64 `json:"target_snr"`
	PNode        float64 `json:"p_node"`
}

// AppendAckBody is the payload of an APPEND_ACK frame.
type AppendAckBody struct {
	Index   uint64 `json:"index"`
	Granted bool   `json:"granted"`
}

// SNRReportBody is the payload of an SNR_REPORT frame. Report maps follower
// id to the leader's smoothed SNR estimate of that follower.
type SNRReportBody struct {
	Report    map[int]float64 `json:"report"`
	TargetSNR float64         `json:"target_snr"`
}

// GainCmdBody is the payload of a GAIN_CMD frame.
type GainCmdBody struct {
	TxGain float64 `json:"tx_gain"`
}

// ExpBeginBody is the payload of an EXP_BEGIN frame. Exactly one of the
// fields is set per phase announcement.
type ExpBeginBody struct {
	TargetSNR *float64 `json:"target_snr,omitempty"`
	PNode     *float64 `json:"p_node,omitempty"`
}

// NewFrame builds a frame with a JSON-encoded body. A nil body yields an
// empty payload.
func NewFrame(meta Metadata, body interface{}) (Frame, error) {
	f := Frame{Meta: meta}
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return Frame{}, err
		}
		f.Payload = payload
	}
	return f, nil
}
