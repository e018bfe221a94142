package link

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/logging"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/metrics"
	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

// QueueCapacity bounds the inbound frame queue. On overflow the oldest frame
// is discarded; dropping old traffic keeps the receive path fresh under
// bursts from the hub.
const QueueCapacity = 1024

const readTimeout = 50 * time.Millisecond

// Inbound is one decoded frame together with the PHY's SNR estimate for it.
type Inbound struct {
	Frame      wire.Frame
	SNRdB      float64
	HasSNR     bool
	ReceivedAt time.Time
}

// Config holds the two localhost UDP endpoints of the app<->PHY pair.
type Config struct {
	// NodeID filters out the hub's echo of our own broadcasts.
	NodeID int
	// TxPort is the PHY's ingest port (app -> PHY).
	TxPort int
	// RxPort is the local port the PHY delivers to (PHY -> app).
	RxPort int
}

// Link sends framed packets to the PHY and surfaces decoded inbound frames
// on a bounded queue.
type Link struct {
	cfg    Config
	logger logging.Logger
	stats  *metrics.Metrics

	egress  *net.UDPConn
	ingress *net.UDPConn
	txAddr  *net.UDPAddr

	inbound chan Inbound

	mu      sync.Mutex
	dropped uint64

	shutdownCh chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// New creates an unstarted link. logger and stats may be nil.
func New(cfg Config, logger logging.Logger, stats *metrics.Metrics) *Link {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Link{
		cfg:        cfg,
		logger:     logger,
		stats:      stats,
		inbound:    make(chan Inbound, QueueCapacity),
		shutdownCh: make(chan struct{}),
	}
}

// Start binds the ingress socket and launches the reader. A bind failure is
// fatal to the caller; nothing else on the receive path ever is.
func (l *Link) Start() error {
	txAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", l.cfg.TxPort))
	if err != nil {
		return fmt.Errorf("resolve egress address: %w", err)
	}
	l.txAddr = txAddr

	egress, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		return fmt.Errorf("open egress socket: %w", err)
	}
	l.egress = egress

	rxAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: l.cfg.RxPort}
	ingress, err := net.ListenUDP("udp", rxAddr)
	if err != nil {
		egress.Close()
		return fmt.Errorf("bind ingress socket on %d: %w", l.cfg.RxPort, err)
	}
	l.ingress = ingress

	l.wg.Add(1)
	go l.listen()

	l.logger.Infof("[LINK] started, tx=127.0.0.1:%d rx=127.0.0.1:%d", l.cfg.TxPort, l.cfg.RxPort)
	return nil
}

// Stop shuts the reader down and closes both sockets. Safe to call twice.
func (l *Link) Stop() error {
	l.stopOnce.Do(func() {
		close(l.shutdownCh)
		if l.ingress != nil {
			l.ingress.Close()
		}
		l.wg.Wait()
		if l.egress != nil {
			l.egress.Close()
		}
		l.logger.Infof("[LINK] stopped, %d inbound frame(s) dropped on overflow", l.Dropped())
	})
	return nil
}

// Send encodes and transmits a frame to the PHY. Per-send failures are
// reported to the caller, who logs and drops.
func (l *Link) Send(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if _, err := l.egress.WriteToUDP(data, l.txAddr); err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	if l.stats != nil {
		l.stats.RecordFrameSent()
	}
	return nil
}

// Inbound returns the bounded receive queue.
func (l *Link) Inbound() <-chan Inbound { return l.inbound }

// RxAddr returns the bound ingress address. With RxPort 0 the kernel picks
// the port; callers that need it (tests, diagnostics) read it here.
func (l *Link) RxAddr() *net.UDPAddr {
	return l.ingress.LocalAddr().(*net.UDPAddr)
}

// Dropped reports how many inbound frames were discarded on queue overflow.
func (l *Link) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// listen reads the ingress socket until shutdown. The short read deadline is
// the suspension point where shutdown is noticed.
func (l *Link) listen() {
	defer l.wg.Done()

	buf := make([]byte, 65536)
	for {
		select {
		case <-l.shutdownCh:
			return
		default:
		}

		if err := l.ingress.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			l.logger.Errorf("[LINK] set read deadline: %v", err)
			continue
		}

		n, _, err := l.ingress.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-l.shutdownCh:
				return
			default:
				l.logger.Errorf("[LINK] read: %v", err)
				continue
			}
		}

		frame, err := wire.Decode(buf[:n])
		if err != nil {
			if l.stats != nil {
				l.stats.RecordDecodeError()
			}
			l.logger.Debugf("[LINK] dropping undecodable frame: %v", err)
			continue
		}

		// The hub echoes broadcasts back to their sender.
		if frame.Meta.Src == l.cfg.NodeID {
			continue
		}

		in := Inbound{Frame: frame, ReceivedAt: time.Now()}
		if frame.Meta.SNRdB != nil {
			in.SNRdB = *frame.Meta.SNRdB
			in.HasSNR = true
		}
		if l.stats != nil {
			l.stats.RecordFrameReceived()
		}
		l.enqueue(in)
	}
}

// enqueue pushes onto the bounded queue, evicting the oldest entry when full.
func (l *Link) enqueue(in Inbound) {
	for {
		select {
		case l.inbound <- in:
			return
		default:
		}
		select {
		case <-l.inbound:
			l.mu.Lock()
			l.dropped++
			l.mu.Unlock()
			if l.stats != nil {
				l.stats.RecordFrameDropped()
			}
		default:
		}
	}
}
