package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gordian-engine/gsubnet/cmd/internal/gcmd"
	"github.com/gordian-engine/gsubnet/gchain"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/gordian-engine/gsubnet/gparentrpc"
	"github.com/gordian-engine/gsubnet/gtopdown/gtopdowntest"
	"github.com/gordian-engine/gsubnet/internal/gtest"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestValidatorPublicKeyCmd(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := NewRootCmd(gtest.NewLogger(t), nil)
	root.SetOut(&out)
	root.SetArgs([]string{"validator-pubkey", "hunter2"})
	require.NoError(t, root.Execute())

	b, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(out.Bytes())))
	require.NoError(t, err)

	reg := gcrypto.NewDefaultRegistry()
	pk, err := reg.Unmarshal(b)
	require.NoError(t, err)

	signer, err := gcmd.SignerFromInsecurePassphrase(keyPrefix, "hunter2")
	require.NoError(t, err)
	require.True(t, signer.PubKey().Equal(pk))
}

func TestLoadNodeConfig(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
		addNodeFlags(fs)
		require.NoError(t, fs.Parse(nil))

		cfg, err := loadNodeConfig(viper.New(), fs)
		require.NoError(t, err)
		require.Equal(t, DefaultNodeConfig(), cfg)
	})

	t.Run("file and flags", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
parent-url: http://parent.example/rpc
interp:
  notify-buffer: 4
  mempool:
    max-txs: 10
topdown:
  polling-interval: 3s
`), 0o600))

		fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
		addNodeFlags(fs)
		require.NoError(t, fs.Parse([]string{"--config", path, "--block-interval", "250ms"}))

		cfg, err := loadNodeConfig(viper.New(), fs)
		require.NoError(t, err)

		require.Equal(t, "http://parent.example/rpc", cfg.ParentURL)
		require.Equal(t, 250*time.Millisecond, cfg.BlockInterval)
		require.Equal(t, 4, cfg.Interp.NotifyBuffer)
		require.Equal(t, 10, cfg.Interp.Mempool.MaxTxs)
		require.Equal(t, 3*time.Second, cfg.Topdown.PollingInterval)

		// Untouched nested values keep their defaults.
		require.Equal(t, DefaultNodeConfig().Topdown.RequestTimeout, cfg.Topdown.RequestTimeout)
		require.Equal(t, DefaultNodeConfig().Interp.Mempool.MaxBytes, cfg.Interp.Mempool.MaxBytes)
	})

	t.Run("invalid", func(t *testing.T) {
		fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
		addNodeFlags(fs)
		require.NoError(t, fs.Parse([]string{"--block-interval", "0s"}))

		_, err := loadNodeConfig(viper.New(), fs)
		require.Error(t, err)
	})
}

// soloNode returns the configuration, key and genesis of a single-validator node
// whose parent is a fake served over HTTP.
func soloNode(t *testing.T) (NodeConfig, gcrypto.Ed25519Signer, gchain.Genesis, *gtopdowntest.FakeParent) {
	t.Helper()

	parent := gtopdowntest.NewFakeParent(1)
	for i := 0; i < 5; i++ {
		parent.AddBlock()
	}
	h, err := gparentrpc.NewHandler(gtest.NewLogger(t).With("sys", "parent"), parent, parent)
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	signer, err := gcmd.SignerFromInsecurePassphrase(keyPrefix, "solo")
	require.NoError(t, err)

	reg := gcrypto.NewDefaultRegistry()
	p := gchain.DefaultChainParams()
	p.CheckpointPeriod = 3
	genesis := gchain.Genesis{
		ChainID:      "gsubnetd-test",
		SubnetID:     "/root/t01",
		Validators:   []gchain.EncodedValidator{{PubKey: reg.Marshal(signer.PubKey()), Power: 10}},
		TopdownStart: 1,
		Params:       &p,
	}

	cfg := DefaultNodeConfig()
	cfg.InMemory = true
	cfg.ParentURL = srv.URL
	cfg.QueryAddr = "127.0.0.1:0"
	cfg.MetricsAddr = ""
	cfg.BlockInterval = 10 * time.Millisecond
	cfg.Topdown.PollingInterval = 10 * time.Millisecond
	cfg.Bottomup.ScanInterval = 10 * time.Millisecond
	require.NoError(t, cfg.Validate())

	return cfg, signer, genesis, parent
}

func TestRunNode_relaysCertificates(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := gtest.NewLogger(t)
	cfg, signer, genesis, parent := soloNode(t)

	errCh := make(chan error, 1)
	go func() { errCh <- runNode(ctx, log.With("sys", "node"), cfg, signer, genesis) }()

	require.Eventually(t, func() bool {
		return len(parent.Certificates()) > 0
	}, 10*time.Second, 20*time.Millisecond)

	cert := parent.Certificates()[0]
	require.Equal(t, uint64(1), cert.Checkpoint.FromHeight)
	require.Equal(t, uint64(3), cert.Checkpoint.ToHeight)
	require.Equal(t, uint64(10), cert.Power)

	cancel()
	require.NoError(t, gtest.ReceiveOrTimeout(t, errCh, gtest.ScaleMs(5000)))
}

func TestRunNode_failedServerStopsNode(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Occupy the metrics address so its server fails to start.
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg, signer, genesis, _ := soloNode(t)
	cfg.MetricsAddr = taken.Addr().String()

	errCh := make(chan error, 1)
	go func() { errCh <- runNode(ctx, gtest.NewLogger(t).With("sys", "node"), cfg, signer, genesis) }()

	// Without any cancellation from the caller, the node still shuts down.
	err = gtest.ReceiveOrTimeout(t, errCh, gtest.ScaleMs(5000))
	require.ErrorContains(t, err, "metrics server")
	require.NoError(t, ctx.Err())
}
