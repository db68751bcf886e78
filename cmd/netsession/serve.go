package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Zereker/netsession"
)

type serveOptions struct {
	service   string
	addr      string
	identity  []string
	protected []string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo peer for a configured service",
		Long: `Run a peer that accepts handshakes and echoes every data message back to
its sender. Handy for exercising clients without the real service.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.service, "service", "s", "data", "service whose configured address to listen on")
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address, overrides the service address")
	cmd.Flags().StringSliceVar(&opts.identity, "allow", nil, "identities allowed to connect (default: any)")
	cmd.Flags().StringSliceVar(&opts.protected, "protect", nil, "message types answered with permission denied")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	cfg, log, err := root.load()
	if err != nil {
		return err
	}

	addr := opts.addr
	if addr == "" {
		svc, err := cfg.Service(opts.service)
		if err != nil {
			return err
		}
		addr = svc.Addr()
	}

	logger := newSessionLogger(log)
	handler, err := netsession.NewPeerHandler(
		allowIdentities(opts.identity),
		echoUnlessProtected(opts.protected),
		append(cfg.SessionOptions(), netsession.LoggerOption(logger))...,
	)
	if err != nil {
		return err
	}

	srv, err := netsession.Listen(addr,
		netsession.ServerLoggerOption(logger),
		netsession.ServerShutdownTimeoutOption(cfg.ShutdownTimeout),
	)
	if err != nil {
		return err
	}
	cmd.Printf("serving %s on %s\n", opts.service, srv.Addr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func allowIdentities(allowed []string) netsession.Authenticator {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		set[id] = true
	}
	return func(hs netsession.Message) netsession.Message {
		id := netsession.Identity(hs)
		if !set[id] {
			return netsession.RejectHandshake(hs, "identity "+id+" is not allowed")
		}
		return netsession.AcceptHandshake(hs, map[string]string{"user": id})
	}
}

func echoUnlessProtected(protected []string) netsession.Responder {
	return func(p *netsession.PeerConn, m netsession.Message) {
		for _, prefix := range protected {
			if strings.HasPrefix(m.Type, prefix) {
				_ = p.Deny(m, prefix)
				return
			}
		}
		_ = p.Reply(m, m)
	}
}
