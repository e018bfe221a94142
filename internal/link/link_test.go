package link

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/metrics"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

// startLink binds a link on ephemeral ports and returns it with a connection
// that can inject traffic into its ingress socket.
func startLink(t *testing.T, nodeID int) (*Link, *net.UDPConn, *metrics.Metrics) {
	t.Helper()

	// The egress target only needs to exist as a destination.
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })

	stats := metrics.New()
	l := New(Config{
		NodeID: nodeID,
		TxPort: sink.LocalAddr().(*net.UDPAddr).Port,
		RxPort: 0,
	}, nil, stats)
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Stop() })

	inject, err := net.DialUDP("udp", nil, l.RxAddr())
	require.NoError(t, err)
	t.Cleanup(func() { inject.Close() })

	return l, inject, stats
}

func frameBytes(t *testing.T, src int, kind wire.Kind, snr *float64) []byte {
	t.Helper()
	data, err := wire.Encode(wire.Frame{
		Meta:    wire.Metadata{Src: src, Dst: wire.DstBroadcast, Term: 1, Kind: kind, SNRdB: snr},
		Payload: []byte("{}"),
	})
	require.NoError(t, err)
	return data
}

func TestLink_ReceivesDecodedFrames(t *testing.T) {
	l, inject, _ := startLink(t, 1)

	snr := 13.5
	_, err := inject.Write(frameBytes(t, 2, wire.KindHeartbeat, &snr))
	require.NoError(t, err)

	select {
	case in := <-l.Inbound():
		assert.Equal(t, 2, in.Frame.Meta.Src)
		assert.Equal(t, wire.KindHeartbeat, in.Frame.Meta.Kind)
		assert.True(t, in.HasSNR)
		assert.InDelta(t, 13.5, in.SNRdB, 1e-9)
		assert.False(t, in.ReceivedAt.IsZero())
	case <-time.After(2 * time.Second):
		t.Fatal("frame never surfaced on the inbound queue")
	}
}

func TestLink_DropsOwnEcho(t *testing.T) {
	l, inject, _ := startLink(t, 1)

	_, err := inject.Write(frameBytes(t, 1, wire.KindHeartbeat, nil))
	require.NoError(t, err)
	_, err = inject.Write(frameBytes(t, 3, wire.KindHeartbeat, nil))
	require.NoError(t, err)

	select {
	case in := <-l.Inbound():
		// Only the peer's frame comes through.
		assert.Equal(t, 3, in.Frame.Meta.Src)
	case <-time.After(2 * time.Second):
		t.Fatal("frame never surfaced on the inbound queue")
	}
	assert.Empty(t, l.Inbound())
}

func TestLink_CountsUndecodableFrames(t *testing.T) {
	l, inject, stats := startLink(t, 1)

	_, err := inject.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = inject.Write(frameBytes(t, 2, wire.KindHeartbeat, nil))
	require.NoError(t, err)

	select {
	case <-l.Inbound():
	case <-time.After(2 * time.Second):
		t.Fatal("valid frame never surfaced")
	}
	assert.Equal(t, uint64(1), stats.GetReport().DecodeErrors)
}

func TestLink_Send(t *testing.T) {
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer sink.Close()

	l := New(Config{NodeID: 1, TxPort: sink.LocalAddr().(*net.UDPAddr).Port, RxPort: 0}, nil, nil)
	require.NoError(t, l.Start())
	defer l.Stop()

	require.NoError(t, l.Send(wire.Frame{
		Meta:    wire.Metadata{Src: 1, Dst: wire.DstBroadcast, Term: 2, Kind: wire.KindAppend, RoundID: 1},
		Payload: []byte("{}"),
	}))

	sink.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 65536)
	n, _, err := sink.ReadFromUDP(buf)
	require.NoError(t, err)

	f, err := wire.Decode(buf[:n])
	require.NoError(t, err)
	assert.Equal(t, wire.KindAppend, f.Meta.Kind)
	assert.Equal(t, uint64(1), f.Meta.RoundID)
}

func TestLink_QueueOverflowDropsOldest(t *testing.T) {
	l := New(Config{NodeID: 1}, nil, nil)

	// Exercise the eviction path directly; the socket reader feeds the same
	// function.
	for i := 0; i < QueueCapacity+5; i++ {
		l.enqueue(Inbound{Frame: wire.Frame{Meta: wire.Metadata{Src: 2, Term: uint64(i)}}})
	}

	assert.Equal(t, uint64(5), l.Dropped())
	assert.Len(t, l.inbound, QueueCapacity)

	// The survivors are the newest frames; the oldest five are gone.
	first := <-l.inbound
	assert.Equal(t, uint64(5), first.Frame.Meta.Term)
}

func TestLink_BindFailureIsFatal(t *testing.T) {
	occupied, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer occupied.Close()

	l := New(Config{
		NodeID: 1,
		TxPort: 40000,
		RxPort: occupied.LocalAddr().(*net.UDPAddr).Port,
	}, nil, nil)

	assert.Error(t, l.Start())
}
