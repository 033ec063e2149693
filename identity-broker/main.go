// Package main implements the decent-identity broker. It authenticates
// users via signed Verifiable Presentations, stores per-identity encrypted
// attribute bundles, and mediates third-party access requests under
// holder-granted, time-bounded consent.
package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sleepy9988/decent-identity/identity-broker/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "/etc/decent-identity/config.yaml", "Path to the config file")
	devMode := flag.Bool("dev-mode", false, "Run in development mode")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().
		Str("service", "identity-broker").
		Logger()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if *devMode {
		cfg.DevMode = true
	}

	log.Info().
		Str("version", Version).
		Bool("dev_mode", cfg.DevMode).
		Msg("Identity broker starting")

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Identity broker error")
	}

	log.Info().Msg("Identity broker shutdown complete")
}

func run(cfg *Config) error {
	dbPath := cfg.DatabasePath
	if cfg.DevMode {
		dbPath = ":memory:"
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	signKey, err := loadSigningKey(cfg.Tokens.SigningKeyFile)
	if err != nil {
		return err
	}

	tokens, err := NewTokenIssuer(cfg.Tokens.Issuer, signKey,
		time.Duration(cfg.Tokens.AccessTTLMinutes)*time.Minute,
		time.Duration(cfg.Tokens.RefreshTTLHours)*time.Hour)
	if err != nil {
		return err
	}

	conn, err := connectNATS(&cfg.NATS)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer conn.Close()

	challenges := NewChallengeStore(store)
	verifier := NewVerifierClient(cfg.Verifier.URL, cfg.Verifier.Domain,
		time.Duration(cfg.Verifier.TimeoutSeconds)*time.Second)
	notifier := NewNATSNotifier(conn)

	auth := NewAuthHandler(store, challenges, verifier, tokens)
	identities := NewIdentityService(store, verifier)
	requests := NewRequestService(store, challenges, verifier, notifier)

	handler := NewMessageHandler(auth, identities, requests)
	if err := handler.Subscribe(conn); err != nil {
		return err
	}
	defer handler.Drain()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go challenges.Sweep(ctx, time.Minute)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	return nil
}

// loadSigningKey reads a raw Ed25519 private key from path. An empty path
// returns nil, which makes the token issuer generate an ephemeral key.
func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.PrivateKeySize, len(data))
	}
	return ed25519.PrivateKey(data), nil
}

func connectNATS(cfg *NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("decent-identity-broker"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.CredentialsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
	}

	return nats.Connect(cfg.URL, opts...)
}
