// ABOUTME: Minimal fake agent for E2E testing: answers broker pings and echoes data frames.
// ABOUTME: Usage: fake-agent [-addr 127.0.0.1:61337] [-upper]
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"

	"github.com/2389/mirror-broker/internal/frame"
	"github.com/2389/mirror-broker/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:61337", "listen address")
	upper := flag.Bool("upper", false, "upper-case echoed payloads")
	flag.Parse()

	if err := run(*addr, *upper); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, upper bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	log.Printf("fake agent listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serve(conn, upper)
		}()
	}
}

func serve(conn net.Conn, upper bool) {
	defer conn.Close()
	log.Printf("broker connected from %s", conn.RemoteAddr())

	dec := frame.NewDecoder(conn, 0)
	enc := frame.NewEncoder(conn, 0)
	var echoed int
	for f, err := range dec.All() {
		if err != nil {
			if !frame.IsCleanClose(err) {
				log.Printf("read error: %v", err)
			}
			break
		}

		if f.Direction == frame.DirControl {
			msg, err := protocol.Decode(f)
			if err != nil {
				log.Printf("bad control frame: %v", err)
				continue
			}
			if msg.Kind == protocol.KindPing {
				if err := protocol.Write(enc, f.Correlation, protocol.Message{Kind: protocol.KindPong, Seq: msg.Seq}); err != nil {
					log.Printf("pong failed: %v", err)
					return
				}
			}
			continue
		}

		payload := f.Payload
		if upper {
			payload = bytes.ToUpper(payload)
		}
		if err := enc.Encode(frame.Frame{Correlation: f.Correlation, Direction: frame.DirAgentToClient, Payload: payload}); err != nil {
			log.Printf("write error: %v", err)
			return
		}
		echoed++
	}
	log.Printf("broker disconnected after %d frames", echoed)
}
