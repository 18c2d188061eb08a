// main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/p2p"
	"github.com/petervdpas/goopcall/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "goopcall.json"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "goopcall",
		Short:         "Peer-to-peer chat and calls",
		SilenceUsage:  true,
	}
	root.AddCommand(newPeerCmd(), newKeygenCmd(), newVersionCmd())
	return root
}

func newPeerCmd() *cobra.Command {
	v := newViper()
	cmd := &cobra.Command{
		Use:   "peer <peer-directory>",
		Short: "Run a peer from its directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			return runPeer(cmd.Context(), v, args[0])
		},
	}
	cmd.Flags().Int("listen-port", 0, "libp2p listen port (0 picks one)")
	cmd.Flags().String("http-addr", "", "control API address, empty keeps the config value")
	cmd.Flags().String("name", "", "display name announced to other peers")
	cmd.Flags().String("log-level", "", "debug, info, warn or error")
	cmd.Flags().Bool("no-watch", false, "do not reload the config file on change")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen <peer-directory>",
		Short: "Create the peer identity key if missing and print the peer id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absDir, err := peerDir(args[0])
			if err != nil {
				return err
			}
			cfg, _, err := config.Ensure(filepath.Join(absDir, cfgName))
			if err != nil {
				return err
			}
			keyPath := util.ResolvePath(absDir, cfg.Identity.KeyFile)
			id, created, err := p2p.EnsureKey(keyPath)
			if err != nil {
				return err
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "Your identity key has been saved to: %s\n", keyPath)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "goopcall v%s\n", appVersion)
		},
	}
}

// newViper reads GOOPCALL_* variables, e.g. GOOPCALL_LISTEN_PORT.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("GOOPCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

func runPeer(ctx context.Context, v *viper.Viper, dirArg string) error {
	absDir, err := peerDir(dirArg)
	if err != nil {
		return err
	}

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if created {
		fmt.Fprintf(os.Stderr, "Wrote default config to %s\n", cfgPath)
	}
	if err := applyOverrides(v, &cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	watchPath := cfgPath
	if v.GetBool("no-watch") {
		watchPath = ""
	}
	return app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: watchPath,
		Cfg:     cfg,
		Overlay: func(c *config.Config) { overlay(v, c) },
	})
}

// applyOverrides lays flags and environment over the file values and
// validates the result.
func applyOverrides(v *viper.Viper, cfg *config.Config) error {
	overlay(v, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

func overlay(v *viper.Viper, cfg *config.Config) {
	if v.IsSet("listen-port") {
		cfg.P2P.ListenPort = v.GetInt("listen-port")
	}
	if s := v.GetString("http-addr"); s != "" {
		cfg.Viewer.HTTPAddr = s
	}
	if s := v.GetString("name"); s != "" {
		cfg.Identity.Name = s
	}
	if s := v.GetString("log-level"); s != "" {
		cfg.Log.Level = s
	}
}

func peerDir(arg string) (string, error) {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid peer directory: %w", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		return "", fmt.Errorf("peer directory does not exist: %s", absDir)
	}
	return absDir, nil
}
