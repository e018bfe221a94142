package phyctrl

import (
	"encoding/json"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePHY answers control requests the way the SDR front-end does.
type fakePHY struct {
	conn   *net.UDPConn
	tx, rx float64
}

func startFakePHY(t *testing.T) (*fakePHY, int) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	phy := &fakePHY{conn: conn, tx: 0.5, rx: 0.5}
	go phy.serve()
	t.Cleanup(func() { conn.Close() })

	return phy, conn.LocalAddr().(*net.UDPAddr).Port
}

func (p *fakePHY) serve() {
	buf := make([]byte, 1024)
	for {
		n, addr, err := p.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		var req struct {
			Cmd   string   `json:"cmd"`
			Value *float64 `json:"value"`
		}
		if err := json.Unmarshal(buf[:n], &req); err != nil {
			continue
		}

		var resp interface{}
		switch req.Cmd {
		case "ping":
			resp = map[string]string{"reply": "pong"}
		case "set_tx_gain":
			p.tx = *req.Value
			resp = map[string]bool{"ok": true}
		case "set_rx_gain":
			p.rx = *req.Value
			resp = map[string]bool{"ok": true}
		case "get_gains":
			resp = map[string]float64{"tx": p.tx, "rx": p.rx}
		default:
			resp = map[string]bool{"ok": false}
		}

		data, _ := json.Marshal(resp)
		p.conn.WriteToUDP(append(data, '\n'), addr)
	}
}

func TestClient_Ping(t *testing.T) {
	_, port := startFakePHY(t)
	c, err := NewClient(port, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.NoError(t, c.Ping())
}

func TestClient_SetAndGetGains(t *testing.T) {
	phy, port := startFakePHY(t)
	c, err := NewClient(port, nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.SetTxGain(0.72))
	require.NoError(t, c.SetRxGain(0.31))
	assert.InDelta(t, 0.72, phy.tx, 1e-9)
	assert.InDelta(t, 0.31, phy.rx, 1e-9)

	tx, rx, err := c.GetGains()
	require.NoError(t, err)
	assert.InDelta(t, 0.72, tx, 1e-9)
	assert.InDelta(t, 0.31, rx, 1e-9)
}

func TestClient_TimeoutWhenEndpointSilent(t *testing.T) {
	// Bind a socket that never answers.
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	c, err := NewClient(conn.LocalAddr().(*net.UDPAddr).Port, nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Error(t, c.Ping())
}
