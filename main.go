package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"walletchat/config"
	"walletchat/crypto"
	"walletchat/delivery"
	"walletchat/node"
)

func main() {
	flags := pflag.NewFlagSet("walletchat", pflag.ContinueOnError)
	hubURL := flags.String("hub", "", "hub base url, e.g. http://10.0.0.2:8080 (overrides config)")
	room := flags.String("room", "", "signaling room to join (overrides config)")
	logLevel := flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	passive := flags.Bool("passive-direct", false, "never initiate direct peer links")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "walletchat: %v\n", err)
		os.Exit(2)
	}

	logger := config.NewLogger(os.Stderr, true, *logLevel)

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while loading config")
	}

	identity, err := crypto.LoadOrCreateIdentity(cfg.Ed25519PrivateKeyPath, cfg.Ed25519PublicKeyPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while preparing Ed25519 keypair")
	}
	fingerprint := crypto.KeyFingerprint(identity.PublicKey)
	if cfg.KeyFingerprint != fingerprint {
		cfg.KeyFingerprint = fingerprint
		if err := config.Save(cfgPath, cfg); err != nil {
			logger.Fatal().Err(err).Msg("startup failed while persisting key fingerprint")
		}
	}

	// Flag overrides apply to this run only.
	if *hubURL != "" {
		cfg.HubURL = strings.TrimRight(*hubURL, "/")
	}
	if *room != "" {
		cfg.Room = *room
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := filepath.Dir(cfgPath)
	n, err := node.New(ctx, node.Options{
		Config:        cfg,
		DataDir:       dataDir,
		Identity:      &identity,
		PassiveDirect: *passive,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed while assembling node")
	}
	defer func() {
		if err := n.Stop(); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}
	}()

	fmt.Printf("Device Name:     %s\n", cfg.DeviceName)
	fmt.Printf("Address:         %s\n", n.Address())
	fmt.Printf("Fingerprint:     %s\n", crypto.FormatFingerprint(fingerprint))
	fmt.Printf("Config File:     %s\n", cfgPath)
	fmt.Printf("Hub:             %s\n", n.HubURL())
	fmt.Printf("Room:            %s\n", cfg.Room)

	n.Engine().SetDefaultHandler(func(r delivery.Received) {
		fmt.Printf("[%s] %s: %s\n", r.Message.ThreadID, r.Message.Sender, r.Content)
		if err := n.Engine().MarkAsRead(r.Message.ID); err != nil {
			logger.Debug().Err(err).Str("message_id", r.Message.ID).Msg("mark as read")
		}
	})
	if err := n.Start(); err != nil {
		logger.Fatal().Err(err).Msg("startup failed while connecting")
	}

	fmt.Println("Status:          running (/help for commands, Ctrl+C to stop)")
	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("Status:          shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, n, logger, line); quit {
				return
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

func runCommand(ctx context.Context, n *node.Node, logger zerolog.Logger, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "/quit":
		return true
	case "/help":
		fmt.Println("/msg <address> <text>   send a message")
		fmt.Println("/status <message-id>    show delivery status")
		fmt.Println("/peers                  list room members")
		fmt.Println("/stats                  show delivery counters")
		fmt.Println("/batches                list batches waiting for anchoring")
		fmt.Println("/quit                   exit")
	case "/msg":
		if len(fields) < 3 {
			fmt.Println("usage: /msg <address> <text>")
			return false
		}
		recipient := fields[1]
		text := strings.Join(fields[2:], " ")
		id, err := n.SendText(ctx, threadFor(n.Address(), recipient), recipient, text)
		if err != nil {
			fmt.Printf("send failed: %v\n", err)
			return false
		}
		fmt.Printf("sent %s\n", id)
	case "/status":
		if len(fields) != 2 {
			fmt.Println("usage: /status <message-id>")
			return false
		}
		status, ok := n.Engine().GetMessageStatus(fields[1])
		if !ok {
			fmt.Println("unknown message")
			return false
		}
		if contentID, stored := n.Engine().StoredContentID(fields[1]); stored {
			fmt.Printf("%s (offline copy %s)\n", status, contentID)
			return false
		}
		fmt.Println(status)
	case "/peers":
		peers := n.Peers()
		if len(peers) == 0 {
			fmt.Println("no peers in room")
		}
		for _, p := range peers {
			fmt.Println(p.PeerID)
		}
	case "/stats":
		fmt.Printf("%+v\n", n.Engine().GetStats())
	case "/batches":
		batches, err := n.PendingBatches(ctx, 20)
		if err != nil {
			logger.Error().Err(err).Msg("list batches")
			return false
		}
		for _, b := range batches {
			fmt.Printf("%s root=%s messages=%d\n", b.BatchID, b.MerkleRoot, b.MessageCount)
		}
	default:
		fmt.Println("unknown command, try /help")
	}
	return false
}

// threadFor names the one-to-one thread between two addresses the same way
// on both sides.
func threadFor(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}
