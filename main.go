package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"peerchat/chat"
	"peerchat/config"
	"peerchat/discovery"
	"peerchat/models"
	"peerchat/network"
	"peerchat/registry"
	"peerchat/storage"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2

	initializeTimeout = 30 * time.Second
)

func main() {
	code, err := run(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "peerchat: %v\n", err)
	}
	os.Exit(code)
}

func run(args []string) (int, error) {
	// A missing .env is the common case.
	_ = godotenv.Load()

	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return exitConfig, err
	}

	if len(args) > 0 && args[0] == "relay" {
		return runRelay(args[1:], cfg)
	}
	return runChat(args, cfg, dataDir)
}

func runChat(args []string, cfg *config.Config, dataDir string) (int, error) {
	flagSet := pflag.NewFlagSet("peerchat", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.DisplayName, "name", "n", cfg.DisplayName, "display name shown to peers")
	flagSet.StringVar(&cfg.Backend, "backend", cfg.Backend, "shared registry backend: local or relay")
	flagSet.StringVar(&cfg.RelayAddress, "relay", cfg.RelayAddress, "relay host:port (empty locates one over mDNS)")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK, nil
		}
		return exitConfig, err
	}
	if err := cfg.Validate(); err != nil {
		return exitConfig, err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	blobs, signaler, cleanup, err := openBackend(ctx, cfg, dataDir, logger)
	if err != nil {
		return exitRuntime, err
	}
	defer cleanup()

	out := &syncWriter{w: os.Stdout}
	session := chat.NewSession(chat.Options{
		NewTransport: func() (network.Factory, error) {
			return network.NewWebRTCFactory(network.WebRTCOptions{
				Signaler: signaler,
				ICE:      network.ICEConfigFromURLs(cfg.ICEServers),
				Logger:   logger,
			}), nil
		},
		Directory:         registry.New(blobs, registry.WithLogger(logger)),
		Logger:            logger,
		LivenessInterval:  cfg.LivenessInterval(),
		DiscoveryInterval: cfg.DiscoveryInterval(),
		OnMessage:         func(message models.Message) { printMessage(out, message) },
	})

	lines := scanLines(ctx, os.Stdin)

	name := strings.TrimSpace(cfg.DisplayName)
	for name == "" {
		fmt.Fprint(out, "Display name: ")
		line, ok := <-lines
		if !ok {
			return exitOK, nil
		}
		name = strings.TrimSpace(line)
	}

	initCtx, cancel := context.WithTimeout(ctx, initializeTimeout)
	err = session.Initialize(initCtx, name)
	cancel()
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		if err := session.Disconnect(); err != nil {
			logger.Warn("disconnect failed", "error", err)
		}
	}()

	shell := newREPL(session, out)
	shell.banner()
	return exitOK, shell.run(ctx, lines)
}

// openBackend returns the shared registry blob store and the WebRTC
// signaler for the configured backend.
func openBackend(ctx context.Context, cfg *config.Config, dataDir string, logger *slog.Logger) (registry.Store, network.Signaler, func(), error) {
	switch cfg.Backend {
	case config.BackendRelay:
		address := cfg.RelayAddress
		if address == "" {
			located, err := discovery.Locate(ctx, discovery.Config{})
			if err != nil {
				return nil, nil, nil, fmt.Errorf("locate relay: %w", err)
			}
			address = located
		}
		logger.Info("using relay", "address", address)
		client := network.NewRelayClient(address, 0)
		return client, client, func() {}, nil
	default:
		store, dbPath, err := storage.Open(dataDir, storage.WithLogger(logger))
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info("using local registry", "path", dbPath)
		cleanup := func() {
			if err := store.Close(); err != nil {
				logger.Warn("database close error", "error", err)
			}
		}
		return store, network.NewStoreSignaler(store), cleanup, nil
	}
}

// scanLines feeds input lines to the returned channel until EOF or ctx ends.
func scanLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
