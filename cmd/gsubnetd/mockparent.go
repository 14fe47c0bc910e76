package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gparentrpc"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/gordian-engine/gsubnet/gtopdown/gtopdowntest"
	"github.com/spf13/cobra"
)

func NewMockParentCmd(log *slog.Logger) *cobra.Command {
	var (
		listenAddr  string
		firstHeight uint64
		interval    time.Duration
		msgEvery    uint64
		recipient   string
	)

	cmd := &cobra.Command{
		Use: "mock-parent",

		Short: "Serve an in-memory parent chain over JSON-RPC, for development networks",

		Long: `mock-parent produces one final parent block per interval.
Every few blocks carry a top-down message crediting the recipient,
and submitted certificates are accepted and logged.`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			parent := gtopdowntest.NewFakeParent(firstHeight)
			sink := loggingSink{log: log.With("sys", "sink"), parent: parent}

			h, err := gparentrpc.NewHandler(log.With("sys", "rpc"), parent, sink)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.Handle("/rpc", h)

			ln, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return fmt.Errorf("failed to listen: %w", err)
			}
			srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			serveErr := make(chan error, 1)
			go func() { serveErr <- srv.Serve(ln) }()
			log.Info("Serving mock parent", "addr", ln.Addr().String(), "first_height", firstHeight)

			t := time.NewTicker(interval)
			defer t.Stop()

			var n uint64
			for {
				select {
				case <-ctx.Done():
					log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
					_ = srv.Close()
					return nil

				case err := <-serveErr:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return err

				case <-t.C:
					n++
					var b gtopdown.ParentBlock
					if msgEvery > 0 && n%msgEvery == 0 {
						b = parent.AddBlock(gchain.CrossMsg{From: "parent", To: recipient, Value: 1, Payload: []byte{}})
					} else {
						b = parent.AddBlock()
					}
					log.Debug("Produced parent block", "height", b.Height, "msgs", len(b.Messages))
				}
			}
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&listenAddr, "listen", "127.0.0.1:26650", "Listen address; the JSON-RPC endpoint is served at /rpc")
	fs.Uint64Var(&firstHeight, "first-height", 1, "Height of the first parent block; should match the genesis topdown start")
	fs.DurationVar(&interval, "block-interval", time.Second, "Time between parent blocks")
	fs.Uint64Var(&msgEvery, "msg-every", 5, "Attach a top-down message to every Nth block; zero disables messages")
	fs.StringVar(&recipient, "recipient", "faucet", "Subnet address credited by top-down messages")

	return cmd
}

// loggingSink accepts certificates into the fake parent and logs each one.
type loggingSink struct {
	log    *slog.Logger
	parent *gtopdowntest.FakeParent
}

func (s loggingSink) SubmitCertificate(ctx context.Context, cert gchain.CheckpointCertificate) error {
	if err := s.parent.SubmitCertificate(ctx, cert); err != nil {
		return err
	}
	s.log.Info(
		"Accepted certificate",
		"from", cert.Checkpoint.FromHeight, "to", cert.Checkpoint.ToHeight,
		"outbox", cert.Checkpoint.OutboxCount, "power", cert.Power,
	)
	return nil
}
