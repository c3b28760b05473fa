package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/p2pnet/internal/admin"
	"github.com/danmuck/p2pnet/internal/config"
	"github.com/danmuck/p2pnet/internal/logging"
	"github.com/danmuck/p2pnet/internal/node"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type runOptions struct {
	configPath string
	host       string
	port       int
	peers      []string
	adminAddr  string
	logLevel   string
}

func runCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the node and block until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd, opts)
			if err != nil {
				return err
			}
			logging.ConfigureWith(cfg.Log.Options())
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, nil)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "path to p2pnode.toml")
	f.StringVar(&opts.host, "host", "", "listen host")
	f.IntVarP(&opts.port, "port", "p", 0, "listen port (0 picks a free port)")
	f.StringSliceVar(&opts.peers, "peer", nil, "bootstrap peer host:port (repeatable)")
	f.StringVar(&opts.adminAddr, "admin", "", "admin HTTP listen address")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	return cmd
}

// resolveConfig loads the config file, if any, then applies explicitly set
// flags on top.
func resolveConfig(cmd *cobra.Command, opts runOptions) (config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Node.Host = opts.host
	}
	if f.Changed("port") {
		cfg.Node.Port = opts.port
	}
	if f.Changed("peer") {
		cfg.Peers = append(cfg.Peers, opts.peers...)
	}
	if f.Changed("admin") {
		cfg.Admin.Addr = opts.adminAddr
	}
	if f.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// runNode blocks until ctx is done or the node is stopped. ready, if set, is
// called with the bound listen address once the node is listening.
func runNode(ctx context.Context, cfg config.Config, ready func(addr string)) error {
	log := logging.Component("p2pnode")

	n := node.New(cfg.Node, eventLogger{log: log})
	if err := n.Start(); err != nil {
		return err
	}
	log.Info().
		Str("addr", n.Addr()).
		Str("id", n.Identity().Short()).
		Msg("node started")
	if ready != nil {
		ready(n.Addr())
	}

	runErr := make(chan error, 1)
	go func() {
		runErr <- n.Run(ctx)
	}()

	var srv *admin.Server
	if cfg.Admin.Addr != "" {
		srv = admin.New(n, admin.Config{
			Addr:        cfg.Admin.Addr,
			CorsOrigins: cfg.Admin.CorsOrigins,
			Version:     version,
			Token:       cfg.Admin.Token,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Error().Err(err).Str("addr", cfg.Admin.Addr).Msg("admin server failed")
			}
		}()
	}

	var dials sync.WaitGroup
	for _, raw := range cfg.Peers {
		raw := raw
		host, port, err := config.ParsePeer(raw)
		if err != nil {
			log.Warn().Err(err).Str("peer", raw).Msg("skipping bootstrap peer")
			continue
		}
		dials.Add(1)
		go func() {
			defer dials.Done()
			if _, err := n.ConnectWithRetry(ctx, host, port, cfg.DialAttempts); err != nil &&
				!errors.Is(err, node.ErrAlreadyConnected) && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Str("peer", raw).Msg("bootstrap dial failed")
			}
		}()
	}

	err := <-runErr
	dials.Wait()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			log.Warn().Err(serr).Msg("admin shutdown")
		}
	}
	stats := n.Stats()
	log.Info().
		Uint64("sent", stats.MessagesSent).
		Uint64("received", stats.MessagesReceived).
		Uint64("send_errors", stats.SendErrors).
		Msg("node exited")
	return err
}

// eventLogger reports every node event on the p2pnode logger.
type eventLogger struct {
	log zerolog.Logger
}

func (l eventLogger) peerEvent(msg string, p *node.Peer) {
	l.log.Info().
		Str("peer_id", p.ID).
		Str("peer_addr", p.Addr()).
		Msg(msg)
}

func (l eventLogger) InboundConnected(_ *node.Node, p *node.Peer) {
	l.peerEvent("peer connected with us", p)
}

func (l eventLogger) OutboundConnected(_ *node.Node, p *node.Peer) {
	l.peerEvent("connected to peer", p)
}

func (l eventLogger) InboundDisconnected(_ *node.Node, p *node.Peer) {
	l.peerEvent("inbound peer disconnected", p)
}

func (l eventLogger) OutboundDisconnected(_ *node.Node, p *node.Peer) {
	l.peerEvent("outbound peer disconnected", p)
}

func (l eventLogger) MessageReceived(_ *node.Node, p *node.Peer, payload []byte) {
	l.log.Info().
		Str("peer_addr", p.Addr()).
		Int("bytes", len(payload)).
		Str("message", string(payload)).
		Msg("message received")
}

func (l eventLogger) OutboundDisconnectRequested(_ *node.Node, p *node.Peer) {
	l.peerEvent("disconnecting from peer", p)
}

func (l eventLogger) StopRequested(n *node.Node) {
	l.log.Info().Str("summary", n.Summary()).Msg("stop requested")
}

var _ node.Handler = eventLogger{}
