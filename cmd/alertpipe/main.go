package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alertpipe/alertpipe/internal/access"
	"github.com/alertpipe/alertpipe/internal/alertmgr"
	"github.com/alertpipe/alertpipe/internal/composite"
	"github.com/alertpipe/alertpipe/internal/config"
	"github.com/alertpipe/alertpipe/internal/configcache"
	"github.com/alertpipe/alertpipe/internal/detect"
	"github.com/alertpipe/alertpipe/internal/dispatch"
	"github.com/alertpipe/alertpipe/internal/index"
	"github.com/alertpipe/alertpipe/internal/metrics"
	"github.com/alertpipe/alertpipe/internal/model"
	"github.com/alertpipe/alertpipe/internal/nodata"
	"github.com/alertpipe/alertpipe/internal/opsapi"
	"github.com/alertpipe/alertpipe/internal/queue"
	"github.com/alertpipe/alertpipe/internal/router"
	"github.com/alertpipe/alertpipe/internal/token"
	"github.com/alertpipe/alertpipe/internal/trigger"
)

var (
	configFile string

	accessType    string
	handlerType   string
	hashRing      bool
	instanceIndex int
	instanceCount int
)

func main() {
	root := &cobra.Command{
		Use:           "alertpipe",
		Short:         "alert processing pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "f", "", "config file (json or yaml)")

	runAccess := &cobra.Command{
		Use:   "run-access",
		Short: "run only the access stage",
		RunE:  runAccessCmd,
	}
	runAccess.Flags().StringVar(&accessType, "access-type", "data", "data|real_time_data|event|alert|incident")
	runAccess.Flags().StringVar(&handlerType, "handler-type", "", "force poll, ingress or alert_ingress handling (default: by access type)")
	runAccess.Flags().BoolVar(&hashRing, "hash-ring", false, "split strategy groups across instances")
	runAccess.Flags().IntVar(&instanceIndex, "instance-index", 0, "this instance's slot on the hash ring")
	runAccess.Flags().IntVar(&instanceCount, "instance-count", 1, "total instances on the hash ring")

	root.AddCommand(
		&cobra.Command{Use: "run", Short: "run the full pipeline", RunE: runCmd},
		runAccess,
		&cobra.Command{Use: "token", Short: "list throttled strategy groups", RunE: tokenCmd},
		&cobra.Command{Use: "nodata", Short: "run only the no-data checker", RunE: nodataCmd},
	)

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setup() (*config.Config, *redis.Client, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return cfg, rdb, nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("alertpipe-%d", os.Getpid())
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newCache(cfg *config.Config, m *metrics.Metrics) *configcache.Cache {
	fetcher := configcache.NewHTTPFetcher(cfg.Pipeline.ConfigAPIBase, cfg.Pipeline.ConfigAPIBearer,
		time.Duration(cfg.Pipeline.ConfigAPITimeout))
	return configcache.New(fetcher, time.Duration(cfg.Pipeline.CacheRefresh), m)
}

func newQueues(cfg *config.Config, rdb *redis.Client) *queue.Queues {
	return queue.New(rdb, cfg.Pipeline.StreamPrefix, cfg.Pipeline.StreamPartitions, cfg.Pipeline.StreamMaxLen)
}

func openStore(cfg *config.Config) (index.Store, func(), error) {
	db, err := index.New(cfg.Index.DSN())
	if err != nil {
		return nil, nil, fmt.Errorf("open index db: %w", err)
	}
	return index.NewPGStore(db), func() { db.Close() }, nil
}

func runCmd(cmd *cobra.Command, _ []string) error {
	cfg, rdb, err := setup()
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New()
	cache := newCache(cfg, m)
	queues := newQueues(cfg, rdb)
	instance := instanceName()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	clusterRouter, err := router.New(&cfg.Cluster)
	if err != nil {
		return fmt.Errorf("compile cluster rules: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	if err := cache.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial config refresh failed, serving empty snapshot until retry")
	}

	tokens := token.NewBucket(rdb, cfg.Pipeline.TokenPerWindow, time.Duration(cfg.Pipeline.TokenWindow))
	tracker := nodata.NewTracker(rdb)
	checker := nodata.NewChecker(cache, queues, rdb, clusterRouter, m, instance, cfg.Pipeline.NoDataOffset)

	accessWorker := access.NewWorker(cache, tokens, queues,
		access.NewGatewayDatasource(cfg.Pipeline.GatewayURL, time.Duration(cfg.Pipeline.QueryTimeout)),
		tracker, rdb, clusterRouter, m)

	detectWorker := detect.NewWorker(cache, detect.NewRedisHistory(rdb), queues, m)
	triggerWorker := trigger.NewWorker(cache, rdb, queues, m)
	manager := alertmgr.NewManager(store, cache, queues, alertmgr.NewLocker(rdb, 0), m)
	compositeWorker := composite.NewWorker(store, cache, queues, rdb, m)
	dispatcher := dispatch.New(store, queues, m, map[string]dispatch.Notifier{
		model.PluginNotice:       &dispatch.HTTPNotice{Client: http.DefaultClient, GatewayURL: cfg.Pipeline.NoticeURL},
		model.PluginWebhook:      &dispatch.Webhook{Client: http.DefaultClient},
		model.PluginMessageQueue: &dispatch.MessageQueue{Rdb: rdb},
	})

	ops := opsapi.New(&cfg.Server, cache, store, queues, tokens, checker, m)
	httpSrv := &http.Server{Addr: cfg.Server.BindAddr, Handler: ops.Router()}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cache.Start(gctx)
		return nil
	})
	g.Go(func() error { return accessWorker.Run(gctx) })
	for p := 0; p < queues.Partitions(); p++ {
		p := p
		g.Go(func() error { return accessWorker.RunIngress(gctx, p, instance) })
		g.Go(func() error { return accessWorker.RunAlertIngress(gctx, p, instance) })
		g.Go(func() error { return detectWorker.Run(gctx, p, instance) })
		g.Go(func() error { return triggerWorker.Run(gctx, p, instance) })
		g.Go(func() error { return manager.Run(gctx, p, instance) })
		g.Go(func() error { return compositeWorker.Run(gctx, p, instance) })
		g.Go(func() error { return dispatcher.Run(gctx, p, instance) })
	}
	g.Go(func() error { return checker.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.BindAddr).Msg("ops api listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Pipeline.ShutdownGrace))
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	log.Info().Str("instance", instance).Str("cluster", clusterRouter.LocalCluster()).
		Int("partitions", queues.Partitions()).Msg("pipeline started")

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	log.Info().Msg("pipeline stopped")
	return nil
}

func runAccessCmd(cmd *cobra.Command, _ []string) error {
	cfg, rdb, err := setup()
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New()
	cache := newCache(cfg, m)
	queues := newQueues(cfg, rdb)
	instance := instanceName()

	clusterRouter, err := router.New(&cfg.Cluster)
	if err != nil {
		return fmt.Errorf("compile cluster rules: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	if err := cache.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial config refresh failed, serving empty snapshot until retry")
	}

	tokens := token.NewBucket(rdb, cfg.Pipeline.TokenPerWindow, time.Duration(cfg.Pipeline.TokenWindow))
	worker := access.NewWorker(cache, tokens, queues,
		access.NewGatewayDatasource(cfg.Pipeline.GatewayURL, time.Duration(cfg.Pipeline.QueryTimeout)),
		nodata.NewTracker(rdb), rdb, clusterRouter, m)
	worker.HashRing = hashRing
	worker.InstanceIndex = instanceIndex
	worker.InstanceCount = instanceCount

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cache.Start(gctx)
		return nil
	})
	handler := handlerType
	if handler == "" {
		switch accessType {
		case "data", "real_time_data", "event":
			handler = "poll"
		case "alert", "incident":
			handler = "alert_ingress"
		default:
			stop()
			return fmt.Errorf("unknown access type %q", accessType)
		}
	}
	switch handler {
	case "poll":
		g.Go(func() error { return worker.Run(gctx) })
	case "ingress":
		for p := 0; p < queues.Partitions(); p++ {
			p := p
			g.Go(func() error { return worker.RunIngress(gctx, p, instance) })
		}
	case "alert_ingress":
		for p := 0; p < queues.Partitions(); p++ {
			p := p
			g.Go(func() error { return worker.RunAlertIngress(gctx, p, instance) })
		}
	default:
		stop()
		return fmt.Errorf("unknown handler type %q", handler)
	}

	log.Info().Str("instance", instance).Str("access_type", accessType).
		Bool("hash_ring", hashRing).Msg("access stage started")

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func tokenCmd(cmd *cobra.Command, _ []string) error {
	cfg, rdb, err := setup()
	if err != nil {
		return err
	}
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tokens := token.NewBucket(rdb, cfg.Pipeline.TokenPerWindow, time.Duration(cfg.Pipeline.TokenWindow))
	groups, err := tokens.Throttled(ctx)
	if err != nil {
		return err
	}
	if len(groups) == 0 {
		fmt.Println("no throttled strategy groups")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(groups)
}

func nodataCmd(cmd *cobra.Command, _ []string) error {
	cfg, rdb, err := setup()
	if err != nil {
		return err
	}
	defer rdb.Close()

	m := metrics.New()
	cache := newCache(cfg, m)

	clusterRouter, err := router.New(&cfg.Cluster)
	if err != nil {
		return fmt.Errorf("compile cluster rules: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	if err := cache.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("initial config refresh failed, serving empty snapshot until retry")
	}

	queues := newQueues(cfg, rdb)
	checker := nodata.NewChecker(cache, queues, rdb, clusterRouter, m, instanceName(), cfg.Pipeline.NoDataOffset)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cache.Start(gctx)
		return nil
	})
	g.Go(func() error { return checker.Run(gctx) })

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}
