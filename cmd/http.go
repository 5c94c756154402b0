package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dvaar/dvaar/internal/client"
	"github.com/dvaar/dvaar/internal/inspector"
)

var (
	httpServerURL     string
	httpToken         string
	httpSubdomain     string
	httpHostHeader    string
	httpBasicAuth     string
	httpTLSUpstream   bool
	httpInspectorPort int
)

var httpCmd = &cobra.Command{
	Use:   "http <port|host:port|url|directory>",
	Short: "Tunnel a local server to a public URL",
	Long: `Open a tunnel from a public subdomain to a local target. The target can be
a port ("3000"), a host:port, a full URL, or a directory to serve statically.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

		if httpServerURL == "" {
			httpServerURL = os.Getenv("DVAAR_SERVER_URL")
		}
		if httpToken == "" {
			httpToken = os.Getenv("DVAAR_TOKEN")
		}
		if httpServerURL == "" {
			log.Fatal().Msg("--server or DVAAR_SERVER_URL is required")
		}
		if httpToken == "" {
			log.Fatal().Msg("--token or DVAAR_TOKEN is required")
		}

		var basicUser, basicPass string
		if httpBasicAuth != "" {
			user, pass, ok := strings.Cut(httpBasicAuth, ":")
			if !ok || user == "" {
				log.Fatal().Msg("--basic-auth must be user:password")
			}
			basicUser, basicPass = user, pass
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		var reporter client.Reporter
		if httpInspectorPort > 0 {
			p, err := inspector.Join(ctx, httpInspectorPort, version, log)
			if err != nil {
				// The tunnel still works without capture.
				log.Warn().Err(err).Msg("inspector unavailable")
			} else {
				reporter = p
				log.Info().Str("addr", p.Addr()).Msg("inspector attached")
			}
		}

		c := client.New(client.Config{
			ServerURL:     httpServerURL,
			Token:         httpToken,
			Subdomain:     httpSubdomain,
			Target:        args[0],
			TLSUpstream:   httpTLSUpstream,
			HostOverride:  httpHostHeader,
			BasicAuthUser: basicUser,
			BasicAuthPass: basicPass,
			Version:       version,
			Reporter:      reporter,
		}, log)

		err := c.Run(ctx)
		switch {
		case errors.Is(err, context.Canceled):
			log.Info().Msg("tunnel closed")
		case errors.Is(err, client.ErrRejected):
			log.Fatal().Err(err).Msg("tunnel rejected")
		case err != nil:
			log.Fatal().Err(err).Msg("tunnel failed")
		}
	},
}

func init() {
	rootCmd.AddCommand(httpCmd)
	httpCmd.Flags().StringVar(&httpServerURL, "server", "", "Edge server URL (or DVAAR_SERVER_URL)")
	httpCmd.Flags().StringVar(&httpToken, "token", "", "Auth token (or DVAAR_TOKEN)")
	httpCmd.Flags().StringVar(&httpSubdomain, "subdomain", "", "Request a specific subdomain (paid plans)")
	httpCmd.Flags().StringVar(&httpHostHeader, "host-header", "", "Override the Host header sent to the local server")
	httpCmd.Flags().StringVar(&httpBasicAuth, "basic-auth", "", "Protect the tunnel with user:password")
	httpCmd.Flags().BoolVar(&httpTLSUpstream, "tls-upstream", false, "Connect to the local server over HTTPS")
	httpCmd.Flags().IntVar(&httpInspectorPort, "inspector-port", 4040, "Preferred local inspector port (0 disables)")
}
