package phyctrl

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
)

// ErrNotOK is returned when the PHY answered but refused the command.
var ErrNotOK = errors.New("phyctrl: endpoint returned non-ok response")

const (
	responseTimeout = 1 * time.Second
	readyTimeout    = 30 * time.Second
	readyPollEvery  = 2 * time.Second
)

// Client talks line-delimited JSON to the local PHY control endpoint. Every
// failure is a ControlError to the caller: log it and hold the gain, never
// abort the run.
type Client struct {
	addr   *net.UDPAddr
	conn   *net.UDPConn
	logger logging.Logger
}

// NewClient creates a client for the control port on localhost.
func NewClient(ctrlPort int, logger logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: ctrlPort}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial control endpoint: %w", err)
	}
	return &Client{addr: addr, conn: conn, logger: logger}, nil
}

// Close releases the control socket.
func (c *Client) Close() error {
	return c.conn.Close()
}

type request struct {
	Cmd   string   `json:"cmd"`
	Value *float64 `json:"value,omitempty"`
}

// roundTrip sends one request line and decodes the reply into out.
func (c *Client) roundTrip(req request, out interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode control request: %w", err)
	}
	data = append(data, '\n')

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send %q: %w", req.Cmd, err)
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(responseTimeout)); err != nil {
		return fmt.Errorf("set control deadline: %w", err)
	}

	buf := make([]byte, 1024)
	n, err := c.conn.Read(buf)
	if err != nil {
		return fmt.Errorf("await %q reply: %w", req.Cmd, err)
	}
	if err := json.Unmarshal(buf[:n], out); err != nil {
		return fmt.Errorf("decode %q reply: %w", req.Cmd, err)
	}
	return nil
}

// Ping probes the endpoint once.
func (c *Client) Ping() error {
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := c.roundTrip(request{Cmd: "ping"}, &resp); err != nil {
		return err
	}
	if resp.Reply != "pong" {
		return ErrNotOK
	}
	return nil
}

// WaitReady polls ping until the PHY answers or the bring-up budget runs out.
func (c *Client) WaitReady() error {
	deadline := time.Now().Add(readyTimeout)
	for {
		if err := c.Ping(); err == nil {
			c.logger.Infof("[PHYCTRL] endpoint ready on %s", c.addr)
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("phy control endpoint on %s not ready after %s", c.addr, readyTimeout)
		}
		c.logger.Debugf("[PHYCTRL] waiting for endpoint on %s", c.addr)
		time.Sleep(readyPollEvery)
	}
}

// SetTxGain sets the normalized transmit gain in [0,1].
func (c *Client) SetTxGain(value float64) error {
	return c.setGain("set_tx_gain", value)
}

// SetRxGain sets the normalized receive gain in [0,1].
func (c *Client) SetRxGain(value float64) error {
	return c.setGain("set_rx_gain", value)
}

func (c *Client) setGain(cmd string, value float64) error {
	var resp struct {
		OK bool `json:"ok"`
	}
	if err := c.roundTrip(request{Cmd: cmd, Value: &value}, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return ErrNotOK
	}
	return nil
}

// GetGains reads the current TX and RX gains.
func (c *Client) GetGains() (tx, rx float64, err error) {
	var resp struct {
		Tx float64 `json:"tx"`
		Rx float64 `json:"rx"`
	}
	if err := c.roundTrip(request{Cmd: "get_gains"}, &resp); err != nil {
		return 0, 0, err
	}
	return resp.Tx, resp.Rx, nil
}
