package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gordian-engine/gsubnet/cmd/internal/gcmd"
	"github.com/gordian-engine/gsubnet/gbottomup"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gdriver/gsolo"
	"github.com/gordian-engine/gsubnet/gexec/gkvexec"
	"github.com/gordian-engine/gsubnet/ginterp"
	"github.com/gordian-engine/gsubnet/gmetrics"
	"github.com/gordian-engine/gsubnet/gparentrpc"
	"github.com/gordian-engine/gsubnet/gquery"
	"github.com/gordian-engine/gsubnet/gstate"
	"github.com/gordian-engine/gsubnet/gstate/gleveldb"
	"github.com/gordian-engine/gsubnet/gstate/gmemkv"
	"github.com/gordian-engine/gsubnet/gstore"
	"github.com/gordian-engine/gsubnet/gstore/gsqlite"
	"github.com/gordian-engine/gsubnet/gtopdown"
	"github.com/gordian-engine/gsubnet/gwatchdog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func NewRunCmd(log *slog.Logger, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use: "run INSECURE_PASSPHRASE GENESIS_PATH",

		Short: "Run a subnet validator",

		Args: cobra.ExactArgs(2),

		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig(v, cmd.Flags())
			if err != nil {
				return err
			}

			signer, err := gcmd.SignerFromInsecurePassphrase(keyPrefix, args[0])
			if err != nil {
				return err
			}

			genesis, err := readGenesis(args[1])
			if err != nil {
				return err
			}

			return runNode(cmd.Context(), log, cfg, signer, genesis)
		},
	}
	addNodeFlags(cmd.Flags())
	return cmd
}

func readGenesis(path string) (gchain.Genesis, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return gchain.Genesis{}, fmt.Errorf("failed to read genesis: %w", err)
	}
	var g gchain.Genesis
	if err := json.Unmarshal(b, &g); err != nil {
		return gchain.Genesis{}, fmt.Errorf("failed to decode genesis: %w", err)
	}
	return g, nil
}

// runNode wires every node component and blocks until ctx is canceled,
// the watchdog halts the node, or block production fails.
func runNode(
	rootCtx context.Context,
	log *slog.Logger,
	cfg NodeConfig,
	signer gcrypto.Ed25519Signer,
	genesis gchain.Genesis,
) error {
	rootCtx, cancel := context.WithCancel(rootCtx)
	wd, ctx := gwatchdog.NewWatchdog(rootCtx, log.With("sys", "watchdog"))
	defer wd.Wait()
	defer cancel()

	reg := gcrypto.NewDefaultRegistry()

	kv, store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("Error closing block store", "err", err)
		}
		if err := kv.Close(); err != nil {
			log.Warn("Error closing state database", "err", err)
		}
	}()

	// Components stop on cancellation; they must all return before storage closes.
	var waits []func()
	defer func() {
		cancel()
		for i := len(waits) - 1; i >= 0; i-- {
			waits[i]()
		}
	}()

	state, err := gstate.Open(log.With("sys", "state"), gstate.WithRetry(log.With("sys", "kv"), kv, cfg.KVRetry), cfg.State)
	if err != nil {
		return fmt.Errorf("failed to open state: %w", err)
	}

	metrics := gmetrics.New()

	app, err := ginterp.NewApp(ctx, log.With("sys", "app"), ginterp.AppConfig{
		Config:   cfg.Interp,
		Registry: reg,
		Engine:   gkvexec.Engine{},
		State:    state,
		Store:    store,
		Watchdog: wd,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to start interpreter: %w", err)
	}
	waits = append(waits, app.Wait)

	if root, ok := app.Committed(); ok {
		log.Info("Resuming from committed state", "height", root.Height)
	} else {
		resp, err := app.InitChain(ctx, ginterp.InitChainRequest{Genesis: genesis})
		if err != nil {
			return fmt.Errorf("failed to initialize chain: %w", err)
		}
		log.Info("Initialized chain", "chain_id", genesis.ChainID, "validators", len(resp.Validators.Validators))
	}

	parent := gparentrpc.NewClient(cfg.ParentURL, &http.Client{Timeout: cfg.Topdown.RequestTimeout})

	poller := gtopdown.NewPoller(ctx, log.With("sys", "poller"), gtopdown.PollerConfig{
		Config:    cfg.Topdown,
		Client:    parent,
		Signer:    signer,
		Registry:  reg,
		Status:    app,
		Submitter: app,
		Metrics:   metrics,
	})
	waits = append(waits, poller.Wait)

	cpSigner := gbottomup.NewSigner(ctx, log.With("sys", "checkpoint-signer"), gbottomup.SignerConfig{
		Signer:      signer,
		Registry:    reg,
		Submitter:   app,
		Checkpoints: app.Checkpoints(),
	})
	waits = append(waits, cpSigner.Wait)

	relayer := gbottomup.NewRelayer(ctx, log.With("sys", "relayer"), gbottomup.RelayerConfig{
		Config:    cfg.Bottomup,
		Store:     store,
		Submitter: parent,
		Verifier:  app,
		Notify:    app.CertificateNotify(),
		Metrics:   metrics,
	})
	waits = append(waits, relayer.Wait)

	// The first component to fail cancels gctx, stopping the driver and servers.
	g, gctx := errgroup.WithContext(ctx)

	driver, err := gsolo.NewDriver(gctx, log.With("sys", "driver"), gsolo.Config{
		Pipeline:      app,
		Proposer:      reg.Marshal(signer.PubKey()),
		BlockInterval: cfg.BlockInterval,
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		// A failed driver stops the whole node.
		defer cancel()
		return driver.Wait()
	})

	if cfg.QueryAddr != "" {
		ln, err := net.Listen("tcp", cfg.QueryAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for query server: %w", err)
		}
		qs := gquery.NewHTTPServer(gctx, log.With("sys", "query"), gquery.HTTPServerConfig{
			Listener: ln,
			Service: gquery.NewService(gquery.ServiceConfig{
				State:     state,
				Store:     store,
				Submitter: app,
			}),
		})
		g.Go(func() error {
			qs.Wait()
			return nil
		})
		log.Info("Serving queries", "addr", ln.Addr().String())
	}

	if cfg.MetricsAddr != "" {
		ms := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return ms.Close()
		})
		log.Info("Serving metrics", "addr", cfg.MetricsAddr)
	}

	err = g.Wait()
	if err == nil && gwatchdog.IsTermination(ctx) {
		err = context.Cause(ctx)
	}
	return err
}

func openStorage(ctx context.Context, cfg NodeConfig) (gstate.KV, gstore.Store, error) {
	if cfg.InMemory {
		store, err := gsqlite.NewInMemStore(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open block store: %w", err)
		}
		return gmemkv.New(), store, nil
	}

	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create home directory: %w", err)
	}

	kv, err := gleveldb.Open(filepath.Join(cfg.Home, "state"))
	if err != nil {
		return nil, nil, err
	}
	store, err := gsqlite.NewOnDiskStore(ctx, filepath.Join(cfg.Home, "blocks.sqlite"))
	if err != nil {
		_ = kv.Close()
		return nil, nil, fmt.Errorf("failed to open block store: %w", err)
	}
	return kv, store, nil
}
