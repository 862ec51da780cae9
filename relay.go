package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"peerchat/config"
	"peerchat/discovery"
	"peerchat/network"
)

const defaultRelayListen = ":7401"

// runRelay serves the shared registry and signaling for a LAN and
// advertises it over mDNS until interrupted.
func runRelay(args []string, cfg *config.Config) (int, error) {
	var listen string
	var noMDNS bool

	flagSet := pflag.NewFlagSet("peerchat relay", pflag.ContinueOnError)
	flagSet.StringVar(&listen, "listen", defaultRelayListen, "TCP address to serve on")
	flagSet.BoolVar(&noMDNS, "no-mdns", false, "do not advertise the relay over mDNS")
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

	server, err := network.ListenRelay(listen, network.RelayOptions{Logger: logger})
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("relay close error", "error", err)
		}
	}()
	logger.Info("relay listening", "address", server.Addr().String())

	if !noMDNS {
		port := server.Addr().(*net.TCPAddr).Port
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{RelayPort: port})
		if err != nil {
			return exitRuntime, fmt.Errorf("advertise relay: %w", err)
		}
		defer broadcaster.Stop()
		logger.Info("relay advertised", "service", discovery.DefaultService, "port", port)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("relay shutting down")
			return exitOK, nil
		case err, ok := <-server.Errors():
			if !ok {
				return exitOK, nil
			}
			logger.Warn("relay request failed", "error", err)
		}
	}
}
