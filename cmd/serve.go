package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dvaar/dvaar/internal/admission"
	"github.com/dvaar/dvaar/internal/db"
	"github.com/dvaar/dvaar/internal/directory"
	"github.com/dvaar/dvaar/internal/edge"
)

var (
	servePublicPort   int
	serveInternalPort int
	serveTunnelDomain string
	serveNodeAddr     string
	serveRedisURL     string
	serveDBURL        string
	serveSecret       string
	serveDropOldest   bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an edge node",
	Long: `Run one edge node: the public listener (tunnel traffic plus the control
channel) and the internal listener (node-to-node proxy, TLS ask-hook, health,
metrics).`,
	Run: func(cmd *cobra.Command, args []string) {
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()

		// Flags win; env fills the gaps.
		if serveTunnelDomain == "" {
			serveTunnelDomain = os.Getenv("DVAAR_TUNNEL_DOMAIN")
		}
		if serveNodeAddr == "" {
			serveNodeAddr = os.Getenv("DVAAR_NODE_ADDR")
		}
		if serveRedisURL == "" {
			serveRedisURL = envOrDefault("DVAAR_REDIS_URL", "redis://127.0.0.1:6379/0")
		}
		if serveDBURL == "" {
			serveDBURL = os.Getenv("DVAAR_DATABASE_URL")
		}
		if serveSecret == "" {
			serveSecret = os.Getenv("DVAAR_CLUSTER_SECRET")
		}
		if serveTunnelDomain == "" {
			log.Fatal().Msg("--domain or DVAAR_TUNNEL_DOMAIN is required")
		}
		if serveNodeAddr == "" {
			log.Fatal().Msg("--node-addr or DVAAR_NODE_ADDR is required")
		}
		if serveDBURL == "" {
			log.Fatal().Msg("--db-url or DVAAR_DATABASE_URL is required")
		}
		if serveSecret == "" {
			log.Fatal().Msg("--cluster-secret or DVAAR_CLUSTER_SECRET is required")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		redisOpts, err := redis.ParseURL(serveRedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid redis url")
		}
		rdb := redis.NewClient(redisOpts)
		defer rdb.Close()

		database, err := db.Open(ctx, serveDBURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("database connection failed")
		}
		defer database.Close()
		log.Info().Msg("connected to postgres")

		dir := directory.New(rdb)
		ctrl := admission.New(database, dir, admission.Config{
			TunnelDomain: serveTunnelDomain,
			NodeAddr:     serveNodeAddr,
			InternalPort: serveInternalPort,
			RouteTTL:     60 * time.Second,
		}, log)

		srv := edge.New(edge.Config{
			TunnelDomain:  serveTunnelDomain,
			NodeAddr:      serveNodeAddr,
			InternalPort:  serveInternalPort,
			ClusterSecret: serveSecret,
			ServerVersion: version,
			DropOldest:    serveDropOldest,
		}, dir, ctrl, database, log)

		publicSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", servePublicPort),
			Handler: srv.PublicRouter(),
		}
		internalSrv := &http.Server{
			Addr:    fmt.Sprintf(":%d", serveInternalPort),
			Handler: srv.InternalRouter(),
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			log.Info().Str("addr", publicSrv.Addr).Msg("public listener up")
			if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			log.Info().Str("addr", internalSrv.Addr).Msg("internal listener up")
			if err := internalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			err := srv.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			publicSrv.Shutdown(shutCtx)
			internalSrv.Shutdown(shutCtx)
			return nil
		})

		if err := g.Wait(); err != nil {
			log.Fatal().Err(err).Msg("edge stopped")
		}
		log.Info().Msg("shut down cleanly")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntVarP(&servePublicPort, "port", "p", 8080, "Public listener port")
	serveCmd.Flags().IntVar(&serveInternalPort, "internal-port", 8081, "Internal listener port (node-to-node proxy, metrics)")
	serveCmd.Flags().StringVar(&serveTunnelDomain, "domain", "", "Base tunnel domain, e.g. tun.example (or DVAAR_TUNNEL_DOMAIN)")
	serveCmd.Flags().StringVar(&serveNodeAddr, "node-addr", "", "Address peers reach this node at (or DVAAR_NODE_ADDR)")
	serveCmd.Flags().StringVar(&serveRedisURL, "redis-url", "", "Redis URL for the route directory (or DVAAR_REDIS_URL)")
	serveCmd.Flags().StringVar(&serveDBURL, "db-url", "", "PostgreSQL connection URL (or DVAAR_DATABASE_URL)")
	serveCmd.Flags().StringVar(&serveSecret, "cluster-secret", "", "Shared secret for node-to-node proxying (or DVAAR_CLUSTER_SECRET)")
	serveCmd.Flags().BoolVar(&serveDropOldest, "drop-oldest", false, "Drop oldest queued body chunks instead of blocking slow tunnels")
}
