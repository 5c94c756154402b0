package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// version is stamped at build time via -ldflags "-X ...cmd.version=".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dvaar",
	Short: "Expose local servers through public tunnel URLs",
	Long: `dvaar tunnels HTTP and WebSocket traffic from a public subdomain to a
server running on your machine. Run "dvaar http" to open a tunnel, or
"dvaar serve" to run an edge node.`,
	Version: version,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
