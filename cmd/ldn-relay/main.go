// Command ldn-relay runs the rendezvous server that LDN proxy peers register
// with and exchange virtual-network frames through.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Ethiquema/ryu-ldn-nx-sub005/config"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/internal/obs"
	"github.com/Ethiquema/ryu-ldn-nx-sub005/relay"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration")
	issueToken := flag.Bool("issue-token", false, "issue one registration token and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Configuration load failed")
	}

	obs.SetupLogging(obs.LogOptions{
		Level: cfg.Log.Level,
		File:  cfg.Log.File,
		JSON:  cfg.Log.JSON,
	})

	tokens := relay.NewTokenStore(cfg.Relay.RedisAddress, cfg.Relay.TokenTTL.Std())
	defer tokens.Close()

	if *issueToken {
		token, err := tokens.Issue(context.Background())
		if err != nil {
			logrus.WithField("error", err.Error()).Fatal("Token issue failed")
		}
		os.Stdout.WriteString(uuid.UUID(token).String() + "\n")
		return
	}

	var tlsConfig *tls.Config
	if cfg.Relay.TLSCertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.Relay.TLSCertFile, cfg.Relay.TLSKeyFile)
		if err != nil {
			logrus.WithField("error", err.Error()).Fatal("TLS key pair load failed")
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	srv, err := relay.NewServer(relay.ServerOptions{
		Address:          cfg.Relay.ListenAddress,
		TLSConfig:        tlsConfig,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout.Std(),
		Tokens:           tokens,
	})
	if err != nil {
		logrus.WithField("error", err.Error()).Fatal("Server setup failed")
	}

	if cfg.Relay.MetricsAddress != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", obs.MetricsHandler())
			if err := http.ListenAndServe(cfg.Relay.MetricsAddress, mux); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "main",
					"error":    err.Error(),
				}).Error("Metrics endpoint failed")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logrus.WithField("signal", sig.String()).Info("Shutting down")
	case err := <-errCh:
		if err != nil && err != relay.ErrServerClosed {
			logrus.WithField("error", err.Error()).Error("Server stopped")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithField("error", err.Error()).Warn("Shutdown incomplete")
	}
}
