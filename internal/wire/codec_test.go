package wire

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	snr := 14.2
	frames := []Frame{
		{
			Meta:    Metadata{Src: 1, Dst: DstBroadcast, Term: 3, Kind: KindAppend, RoundID: 17},
			Payload: []byte(`{"entries":[]}`),
		},
		{
			Meta:    Metadata{Src: 2, Dst: "1", Term: 3, Kind: KindAppendAck, RoundID: 17, SNRdB: &snr},
			Payload: []byte(`{"index":17,"granted":true}`),
		},
		{
			// Heartbeats may carry no payload at all.
			Meta: Metadata{Src: 1, Dst: DstBroadcast, Term: 4, Kind: KindHeartbeat},
		},
	}

	for _, f := range frames {
		data, err := Encode(f)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, f.Meta, got.Meta)
		assert.Equal(t, f.Payload, got.Payload)

		// Re-encoding the decoded frame must reproduce the original bytes.
		again, err := Encode(got)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Run("frame too short", func(t *testing.T) {
		_, err := Decode([]byte{0x00, 0x01})
		assert.ErrorIs(t, err, ErrFrameTooShort)
	})

	t.Run("missing metadata newline", func(t *testing.T) {
		body := []byte(`{"src":1}`)
		data := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(data, uint32(len(body)))
		copy(data[4:], body)

		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrFrameTooShort)
	})

	t.Run("bad length", func(t *testing.T) {
		good, err := Encode(Frame{Meta: Metadata{Src: 1, Dst: DstBroadcast, Kind: KindHeartbeat}})
		require.NoError(t, err)

		binary.BigEndian.PutUint32(good, uint32(len(good))) // deliberately wrong
		_, err = Decode(good)
		assert.ErrorIs(t, err, ErrBadLength)
	})

	t.Run("bad json", func(t *testing.T) {
		body := []byte("{not json\n")
		data := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(data, uint32(len(body)))
		copy(data[4:], body)

		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrBadJSON)
	})

	t.Run("unknown kind", func(t *testing.T) {
		meta, err := json.Marshal(map[string]interface{}{"src": 1, "dst": DstBroadcast, "kind": "BOGUS"})
		require.NoError(t, err)
		body := append(meta, '\n')
		data := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(data, uint32(len(body)))
		copy(data[4:], body)

		_, err = Decode(data)
		assert.ErrorIs(t, err, ErrUnknownKind)
	})
}

func TestNewFrame_EncodesBody(t *testing.T) {
	f, err := NewFrame(Metadata{Src: 1, Dst: DstBroadcast, Term: 2, Kind: KindAppend, RoundID: 5}, AppendBody{
		PrevLogIndex: 4,
		PrevLogTerm:  2,
		Entries:      []Entry{{Index: 5, Term: 2, Payload: []byte("DECISION_5")}},
		TargetSNR:    16.0,
		PNode:        0.8,
	})
	require.NoError(t, err)

	var body AppendBody
	require.NoError(t, json.Unmarshal(f.Payload, &body))
	assert.Equal(t, uint64(4), body.PrevLogIndex)
	assert.Len(t, body.Entries, 1)
	assert.Equal(t, 16.0, body.TargetSNR)
}

func TestEntry_HasNoGroundTruthField(t *testing.T) {
	// The oracle bit must never be representable on the wire.
	data, err := json.Marshal(Entry{Index: 1, Term: 1, Payload: []byte("x")})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ground_truth")
}
