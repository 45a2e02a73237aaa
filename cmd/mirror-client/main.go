// ABOUTME: Minimal interactive client: opens a session and relays stdin lines as data frames.
// ABOUTME: Usage: mirror-client -target default/pod/api [-mode steal] [-token T | -key ~/.ssh/id_ed25519]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/2389/mirror-broker/internal/auth"
	"github.com/2389/mirror-broker/internal/frame"
	"github.com/2389/mirror-broker/internal/protocol"
	"github.com/2389/mirror-broker/internal/target"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7640", "broker session address")
	targetPath := flag.String("target", "", "target as namespace/kind/name[/container/name]")
	mode := flag.String("mode", "mirror", "mirror or steal")
	token := flag.String("token", os.Getenv("MIRROR_BROKER_TOKEN"), "JWT to authenticate with")
	keyPath := flag.String("key", "", "SSH private key to authenticate with instead of a token")
	name := flag.String("name", "mirror-client", "client name reported to the broker")
	flag.Parse()

	if err := run(*addr, *targetPath, *mode, *token, *keyPath, *name); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func parseTarget(s string) (target.Target, error) {
	ns, path, ok := strings.Cut(s, "/")
	if !ok {
		return target.Target{}, errors.New("-target must look like namespace/kind/name")
	}
	return target.Parse(ns, path)
}

func sshProof(keyPath string) (*protocol.SSHProof, error) {
	pem, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", keyPath, err)
	}
	req, err := auth.SignChallenge(signer, time.Now().Unix(), uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &protocol.SSHProof{Pubkey: req.Pubkey, Signature: req.Signature, Timestamp: req.Timestamp, Nonce: req.Nonce}, nil
}

func run(addr, targetPath, mode, token, keyPath, name string) error {
	t, err := parseTarget(targetPath)
	if err != nil {
		return err
	}

	hostname, _ := os.Hostname()
	hello := protocol.Hello{
		Target:     t,
		Mode:       mode,
		ClientName: name,
		Hostname:   hostname,
		Version:    protocol.Version,
	}
	if keyPath != "" {
		if hello.SSH, err = sshProof(keyPath); err != nil {
			return err
		}
	} else {
		hello.Token = token
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	enc := frame.NewEncoder(conn, 0)
	dec := frame.NewDecoder(conn, 0)
	if err := protocol.Write(enc, 0, protocol.Message{Kind: protocol.KindHello, Hello: &hello}); err != nil {
		return err
	}
	msg, err := protocol.Read(dec)
	if err != nil {
		return fmt.Errorf("reading outcome: %w", err)
	}
	if msg.Kind != protocol.KindOutcome {
		return fmt.Errorf("expected outcome, got %s", msg.Kind)
	}
	out := msg.Outcome
	if out.Status != protocol.StatusAdmitted {
		if out.HolderMode != "" {
			return fmt.Errorf("%s: %s (held in %s mode)", out.Status, out.Reason, out.HolderMode)
		}
		return fmt.Errorf("%s: %s", out.Status, out.Reason)
	}
	color.Green("session %s admitted in %s mode (protocol %s)", out.SessionID, out.Mode, out.Version)

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := enc.Encode(frame.Frame{Direction: frame.DirClientToAgent, Payload: scanner.Bytes()}); err != nil {
				return
			}
		}
		cancel()
	}()

	gray := color.New(color.FgHiBlack)
	for f, err := range dec.All() {
		if err != nil {
			if frame.IsCleanClose(err) || ctx.Err() != nil {
				gray.Println("session closed")
				return nil
			}
			return err
		}
		fmt.Println(string(f.Payload))
	}
	return nil
}
