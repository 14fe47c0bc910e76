// Command gsubnetd runs a subnet validator node:
// the interpreter pipeline behind a single-validator driver,
// top-down parent polling, bottom-up checkpoint signing and relaying,
// and the query and metrics HTTP endpoints.
package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/gordian-engine/gsubnet/cmd/internal/gcmd"
	"github.com/gordian-engine/gsubnet/gcrypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Prefix mixed into passphrase-derived validator keys.
const keyPrefix = "gsubnetd|"

func main() {
	if err := mainE(); err != nil {
		os.Exit(1)
	}
}

func mainE() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var level slog.LevelVar
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))

	root := NewRootCmd(logger, &level)
	if err := root.ExecuteContext(ctx); err != nil {
		logger.Info("Failure", "err", err)
		os.Stderr.Sync()
		return err
	}

	return nil
}

func NewRootCmd(log *slog.Logger, level *slog.LevelVar) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GSUBNET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use: "gsubnetd SUBCOMMAND",

		CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},

		Long: `gsubnetd runs a validator of a subnet anchored to a parent chain.

Initial setup involves:

1. Pick your insecure passphrase.
2. Discover your resulting validator public key with:
     $ gsubnetd validator-pubkey 'my-passphrase'
3. List every validator's key and power in a genesis JSON file.
4. Start a parent chain, or a mock one for development:
     $ gsubnetd mock-parent
5. Run the validator:
     $ gsubnetd run 'my-passphrase' path/to/genesis.json
`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if level == nil {
				return nil
			}
			lvl, err := cmd.Flags().GetString("log-level")
			if err != nil {
				return err
			}
			return level.UnmarshalText([]byte(lvl))
		},

		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("log-level", "info", "Minimum log level (debug|info|warn|error)")

	rootCmd.AddCommand(
		NewValidatorPublicKeyCmd(log),
		NewRunCmd(log, v),
		NewMockParentCmd(log),
	)

	return rootCmd
}

func NewValidatorPublicKeyCmd(log *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use: "validator-pubkey INSECURE_PASSPHRASE",

		Aliases: []string{"validator-pub-key"},

		Short: "Print the genesis encoding of the validator public key derived from the given insecure passphrase",

		Args: cobra.ExactArgs(1),

		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := gcmd.SignerFromInsecurePassphrase(keyPrefix, args[0])
			if err != nil {
				return err
			}

			reg := gcrypto.NewDefaultRegistry()
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(reg.Marshal(signer.PubKey())))

			return nil
		},
	}
}
