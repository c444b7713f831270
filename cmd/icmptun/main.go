// Package main provides the CLI entry point for the ICMP tunnel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dialtone-labs/icmptun/internal/acceptor"
	"github.com/dialtone-labs/icmptun/internal/config"
	"github.com/dialtone-labs/icmptun/internal/engine"
	"github.com/dialtone-labs/icmptun/internal/icmpsock"
	"github.com/dialtone-labs/icmptun/internal/logging"
	"github.com/dialtone-labs/icmptun/internal/metrics"
)

// Version is set at build time via ldflags.
var Version = "dev"

// commonFlags holds the settings shared by both the client and server
// subcommands, bound with cobra.Command.PersistentFlags on the root
// command so "icmptun client ... --log-level debug" and
// "icmptun server --log-level debug" both work.
type commonFlags struct {
	configFile     string
	logLevel       string
	logFormat      string
	retryCount     int
	retryWait      time.Duration
	dialTimeout    time.Duration
	maxBytesPerSec int64
	metricsAddr    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &commonFlags{}

	root := &cobra.Command{
		Use:     "icmptun",
		Short:   "Tunnel TCP connections over ICMP echo messages",
		Version: Version,
		Long: `icmptun relays TCP byte streams between two peers by carrying them
inside ICMP Echo Request/Reply payloads, for networks where outbound TCP
is filtered but ICMP echo is permitted.

One peer runs "client", listening on a local TCP port and tunneling every
accepted connection to a destination the other peer, running "server",
dials on its behalf.`,
	}

	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "YAML config file to load defaults from (flags still override it)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", config.DefaultLogLevel, "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", config.DefaultLogFormat, "log format: text, json (defaults to json when stderr isn't a terminal)")
	root.PersistentFlags().IntVar(&flags.retryCount, "retry-count", config.DefaultRetryCount, "EchoRequest attempts before a packet's session is declared stale")
	root.PersistentFlags().DurationVar(&flags.retryWait, "retry-wait", config.DefaultRetryWait, "time to wait for an ACK before retransmitting")
	root.PersistentFlags().DurationVar(&flags.dialTimeout, "dial-timeout", config.DefaultDialTimeout, "server-side timeout dialing the START destination")
	root.PersistentFlags().Int64Var(&flags.maxBytesPerSec, "max-bytes-per-sec", 0, "cap per-session delivery rate to the local TCP connection, 0 for unlimited")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. 127.0.0.1:9464 (disabled if empty)")

	root.AddCommand(clientCmd(flags))
	root.AddCommand(serverCmd(flags))

	return root
}

func clientCmd(flags *commonFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "client <peer_ipv4> <listen_port> <dest_host> <dest_port>",
		Short: "Run the proxy-client: accept local TCP connections and tunnel them to the peer",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			peerIP, err := config.ParsePeerIP(args[0])
			if err != nil {
				return err
			}
			listenPort, err := config.ParsePort(args[1])
			if err != nil {
				return fmt.Errorf("listen_port: %w", err)
			}
			destHost := args[2]
			destPort, err := config.ParsePort(args[3])
			if err != nil {
				return fmt.Errorf("dest_port: %w", err)
			}

			cfg, err := configFromFlags(cmd, flags)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := startMetrics(flags.metricsAddr, logger)

			sock, err := icmpsock.NewSocket(logger)
			if err != nil {
				return err
			}
			defer sock.Close()

			acc, err := acceptor.Listen(listenPort, logger)
			if err != nil {
				return err
			}
			defer acc.Close()

			logger.Info("proxy-client starting",
				logging.KeyLocalAddr, acc.Addr().String(),
				logging.KeyRemoteAddr, peerIP.String(),
				"destination", net.JoinHostPort(destHost, fmt.Sprint(destPort)),
			)

			e := engine.New(engine.Params{
				Role:        engine.RoleClient(),
				Config:      cfg,
				ListenPort:  listenPort,
				DestHost:    destHost,
				DestPort:    uint32(destPort),
				DialTimeout: cfg.DialTimeout,
				Logger:      logger,
				Metrics:     m,
			}, sock, icmpsock.NewRemoteEndpoint(peerIP), acc)

			return runUntilSignal(logger, e)
		},
	}
}

func serverCmd(flags *commonFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the proxy-server: learn the peer from the first ICMP packet and dial START destinations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromFlags(cmd, flags)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
			m := startMetrics(flags.metricsAddr, logger)

			sock, err := icmpsock.NewSocket(logger)
			if err != nil {
				return err
			}
			defer sock.Close()

			logger.Info("proxy-server starting, waiting to learn peer from first inbound packet")

			e := engine.New(engine.Params{
				Role:        engine.RoleServer(),
				Config:      cfg,
				DialTimeout: cfg.DialTimeout,
				Logger:      logger,
				Metrics:     m,
			}, sock, icmpsock.NewRemoteEndpoint(nil), nil)

			return runUntilSignal(logger, e)
		},
	}
}

// configFromFlags builds the effective Config: defaults, overlaid with
// --config's YAML file if given, overlaid with any flag the operator set
// explicitly on the command line. --log-format is special-cased: if the
// flag isn't given and the format is still the built-in default (the
// config file didn't choose another one), the default favors json once
// stderr isn't an interactive terminal, since that's normally a sign
// output is being captured or shipped to a log aggregator rather than
// read by a human.
func configFromFlags(cmd *cobra.Command, flags *commonFlags) (config.Config, error) {
	c := config.Default()
	if flags.configFile != "" {
		loaded, err := config.LoadFile(flags.configFile)
		if err != nil {
			return config.Config{}, err
		}
		c = loaded
	}

	set := cmd.Flags()
	if set.Changed("log-level") {
		c.LogLevel = flags.logLevel
	}
	if set.Changed("log-format") {
		c.LogFormat = flags.logFormat
	} else if c.LogFormat == config.DefaultLogFormat && !logging.IsTerminal(os.Stderr) {
		c.LogFormat = "json"
	}
	if set.Changed("retry-count") {
		c.RetryCount = flags.retryCount
	}
	if set.Changed("retry-wait") {
		c.RetryWait = flags.retryWait
	}
	if set.Changed("dial-timeout") {
		c.DialTimeout = flags.dialTimeout
	}
	if set.Changed("max-bytes-per-sec") {
		c.MaxBytesPerSec = flags.maxBytesPerSec
	}
	return c, nil
}

// runUntilSignal runs the engine until SIGINT/SIGTERM, then waits for it to
// wind down its pumps before returning.
func runUntilSignal(logger *slog.Logger, e *engine.Engine) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := e.Run(ctx)
	logger.Info("tunnel stopped")
	return err
}

// startMetrics serves /metrics over HTTP if addr is non-empty, returning a
// Metrics instance wired to the default Prometheus registry either way.
func startMetrics(addr string, logger *slog.Logger) *metrics.Metrics {
	m := metrics.NewMetrics()
	if addr == "" {
		return m
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", logging.KeyError, err)
		}
	}()

	logger.Info("serving Prometheus metrics", logging.KeyLocalAddr, addr)
	return m
}
