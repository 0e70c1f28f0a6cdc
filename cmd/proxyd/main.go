// Command proxyd is the acceptor and process entry point of
// spec.md §2.7/§3: it loads configuration, wires the ambient and
// domain stacks together, and accepts client connections in a loop,
// handing each to its own goroutine-driven handler.Handler.
//
// Grounded on proxy/http/server.py's TCP server setup (socket, bind,
// listen, accept loop spawning one handler per connection) and on
// the --config flag convention used throughout the original source's
// CLI entry points.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relaymesh/goproxy/pkg/certmint"
	"github.com/relaymesh/goproxy/pkg/config"
	"github.com/relaymesh/goproxy/pkg/events"
	"github.com/relaymesh/goproxy/pkg/handler"
	"github.com/relaymesh/goproxy/pkg/janitor"
	"github.com/relaymesh/goproxy/pkg/logging"
	"github.com/relaymesh/goproxy/pkg/metrics"
)

func main() {
	configPath := flag.String("config", "proxyd.yaml", "path to the YAML configuration file")
	logFile := flag.String("log-file", "", "log file path; stdout if unset")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxyd: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := logging.Setup(*logFile, logging.ParseLevel(*logLevel))
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxyd: setting up logging: %v\n", err)
		os.Exit(1)
	}
	log := baseLogger.WithField("component", "acceptor")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mint *certmint.Mint
	if cfg.TLSInterceptionEnabled() {
		ca, err := certmint.LoadCA(cfg.CACertFile, cfg.CAKeyFile, cfg.CACertDir)
		if err != nil {
			log.WithError(err).Fatal("failed to load CA for TLS interception")
		}
		mint = certmint.New(ca)
	}

	var rootCAs *x509.CertPool
	if cfg.CAFile != "" {
		rootCAs, err = loadRootCAs(cfg.CAFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load custom CA bundle")
		}
	}

	deps := handler.Deps{
		Config:  cfg,
		Mint:    mint,
		RootCAs: rootCAs,
		Events:  events.New(cfg.EnableEvents),
		Metrics: metrics.New(),
		Logger:  baseLogger,
	}
	if cfg.InboundTLSEnabled() {
		cert, err := loadInboundCert(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			log.WithError(err).Fatal("failed to load inbound TLS certificate")
		}
		deps.InboundCert = cert
	}

	j := janitor.New(cfg.CACertDir, cfg.JanitorInterval, cfg.CertMaxAge, baseLogger.WithField("component", "janitor"))
	if err := j.Start(ctx); err != nil {
		log.WithError(err).Warn("janitor failed to start")
	}

	current := &atomic.Pointer[config.Config]{}
	current.Store(cfg)
	watcher, err := config.NewWatcher(*configPath, log)
	if err != nil {
		log.WithError(err).Warn("config hot-reload disabled: failed to start watcher")
	} else {
		go watcher.Watch(ctx, func(next *config.Config) error {
			current.Store(next)
			log.Info("configuration reloaded")
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, deps.Metrics, log)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		log.WithError(err).Fatal("failed to bind listen address")
	}
	log.WithField("addr", cfg.ListenAddress).Info("accepting connections")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	acceptLoop(ln, deps, current, log)
}

// acceptLoop implements spec.md §3's acceptor: accept, tag with a
// fresh connection UUID, and hand off to a new Handler running on its
// own goroutine. Each new Handler gets the configuration most recently
// stored in current; connections already accepted keep theirs.
func acceptLoop(ln net.Listener, deps handler.Deps, current *atomic.Pointer[config.Config], log *logrus.Entry) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Debug("listener closed, stopping accept loop")
				return
			}
			log.WithError(err).Warn("accept failed")
			continue
		}

		deps.Metrics.ConnectionsAccepted.Inc()
		deps.Metrics.ConnectionsActive.Inc()

		connDeps := deps
		connDeps.Config = current.Load()
		id := uuid.New()
		h := handler.New(id, raw, connDeps)
		go func() {
			defer deps.Metrics.ConnectionsActive.Dec()
			h.Run()
		}()
	}
}

func serveMetrics(addr string, reg *metrics.Registry, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	log.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics server stopped")
	}
}

// loadInboundCert reads the key_file/cert_file pair spec.md §6 uses
// for inbound TLS termination into a tls.Certificate ready for
// (*conn.Conn).WrapServer.
func loadInboundCert(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// loadRootCAs reads the ca_file custom CA bundle spec.md §6 uses to
// validate upstream TLS during interception.
func loadRootCAs(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
