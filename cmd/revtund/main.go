// Revtund is the revtun tunneling server daemon.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/revtun/revtun/internal/config"
	"github.com/revtun/revtun/internal/server"
)

var (
	version = "1.0.0"
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "revtund",
	Short: "revtun tunneling server daemon",
	Long: `Revtund is the server component of the revtun reverse-tunnel system.

It accepts WebSocket control connections from revtun clients, lets each one
publish an HTTP subdomain or TCP port entrypoint, and proxies public traffic
back to the client over that connection.

Configuration is read from a YAML file (see "revtund init" to generate one):
  REVTUND_CONFIG - path to the config file (default: ./revtund.yaml)`,
	RunE: runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "revtund.yaml", "config file path")
	viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	viper.BindEnv("config", "REVTUND_CONFIG")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("revtund version %s\n", version)
		},
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if v := viper.GetString("config"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	return srv.Run(context.Background())
}
