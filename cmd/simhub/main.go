package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chuzhitairan/V2V-Raft-SDR/internal/wire"
)

// simhub stands in for the radio channel during development: it listens on
// one UDP port, rebroadcasts every frame to the per-node rx ports, stamps an
// SNR estimate into the metadata the way the PHY does, and optionally drops
// frames to emulate a lossy channel.
//
// Node i sends to --port and receives on --rx-base + i.
func main() {
	nodes := flag.Int("nodes", 5, "number of nodes behind the hub")
	port := flag.Int("port", 50000, "ingest port every node transmits to")
	rxBase := flag.Int("rx-base", 50000, "rx port base; node i receives on rx-base+i")
	baseSNR := flag.Float64("snr", 16.0, "stamped SNR in dB before jitter")
	jitter := flag.Float64("jitter", 1.0, "uniform SNR jitter in dB")
	dropRate := flag.Float64("drop", 0.0, "per-delivery frame drop probability")
	followTarget := flag.Bool("follow-target", true, "track EXP_BEGIN target_snr as the stamped base")
	verbose := flag.Bool("verbose", false, "log every forwarded frame")
	flag.Parse()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: *port})
	if err != nil {
		fmt.Fprintf(os.Stderr, "simhub: bind %d: %v\n", *port, err)
		os.Exit(1)
	}
	defer conn.Close()

	targets := make([]*net.UDPAddr, 0, *nodes)
	for i := 1; i <= *nodes; i++ {
		targets = append(targets, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: *rxBase + i})
	}

	log.Printf("[HUB] listening on %d, broadcasting to %d node(s) (rx %d-%d), snr=%.1f dB drop=%.0f%%",
		*port, *nodes, *rxBase+1, *rxBase+*nodes, *baseSNR, *dropRate*100)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		conn.Close()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	stampedSNR := *baseSNR
	buf := make([]byte, 65536)
	var forwarded, dropped uint64
	start := time.Now()

	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			break
		}

		frame, err := wire.Decode(buf[:n])
		if err != nil {
			// Not our framing; forward the raw bytes untouched.
			for _, addr := range targets {
				conn.WriteToUDP(buf[:n], addr)
			}
			continue
		}

		// The controller announces each SNR tier; tracking it emulates the
		// followers' gain loops having converged.
		if *followTarget && frame.Meta.Kind == wire.KindExpBegin {
			var body wire.ExpBeginBody
			if err := json.Unmarshal(frame.Payload, &body); err == nil && body.TargetSNR != nil {
				stampedSNR = *body.TargetSNR
				log.Printf("[HUB] tracking new SNR tier: %.1f dB", stampedSNR)
			}
		}

		for _, addr := range targets {
			if *dropRate > 0 && rng.Float64() < *dropRate {
				dropped++
				continue
			}

			snr := stampedSNR + (rng.Float64()*2-1)*(*jitter)
			stamped := frame
			stamped.Meta.SNRdB = &snr
			data, err := wire.Encode(stamped)
			if err != nil {
				continue
			}
			conn.WriteToUDP(data, addr)
			forwarded++
		}

		if *verbose {
			log.Printf("[HUB] #%d %s from node %d (term %d)", forwarded, frame.Meta.Kind, frame.Meta.Src, frame.Meta.Term)
		} else if forwarded%1000 < uint64(len(targets)) && forwarded > 0 {
			elapsed := time.Since(start).Seconds()
			log.Printf("[HUB] forwarded %d frame(s), dropped %d (%.0f/s)", forwarded, dropped, float64(forwarded)/elapsed)
		}
	}

	log.Printf("[HUB] stopped after %s: %d forwarded, %d dropped", time.Since(start).Round(time.Second), forwarded, dropped)
}
