// Command plexd runs a plexrpc server with a small built-in method set, or
// invokes a method on a running server. It exists to exercise the framework
// end to end; real deployments embed the packages directly.
package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   "plexd",
		Short: "Multiplexed bidirectional RPC server",
		Long: `plexd serves a plexrpc endpoint: WebSocket connections with hibernation,
HTTP POST invocation, and hyperlinked discovery documents, all on one path.`,
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error("plexd failed", "error", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default plexd.yml in the working directory)")
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("plexd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("PLEXD")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		log.Debug("Loaded config", "file", viper.ConfigFileUsed())
	}
}
