package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rwproxy/rwproxy/internal/certs"
	"github.com/rwproxy/rwproxy/internal/config"
	"github.com/rwproxy/rwproxy/internal/gateway"
	"github.com/rwproxy/rwproxy/internal/logging"
	"github.com/rwproxy/rwproxy/internal/observability"
	"github.com/rwproxy/rwproxy/internal/rules"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var configPath string
	var allowCycles bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return errors.New("config path is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			table, err := loadRules(cfg.RulesPath(), allowCycles || cfg.Rules.AllowCycles)
			if err != nil {
				return err
			}
			if err := cfg.ValidateFor(table.TLSMode()); err != nil {
				return err
			}

			log, err := logging.NewLogger(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)
			if err != nil {
				return err
			}
			return runGateway(cmd.Context(), cfg, table, log)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	cmd.Flags().BoolVar(&allowCycles, "allow-cycles", false, "Start even if rewrite rules can form a cycle")

	return cmd
}

func runGateway(ctx context.Context, cfg *config.Config, table *rules.Table, log *logrus.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *certs.Store
	if len(cfg.TLS.Certificates) > 0 {
		var err error
		store, err = certs.Load(certPairs(cfg), log)
		if err != nil {
			return err
		}
	}

	gw, err := gateway.New(cfg, table, store)
	if err != nil {
		return err
	}
	gw.SetLogger(log)

	if cfg.Logging.DecisionLog != "" {
		logger, closer, err := logging.OpenDecisionLog(cfg.ResolvePath(cfg.Logging.DecisionLog))
		if err != nil {
			return err
		}
		defer func() { _ = closer() }()
		gw.SetDecisionLogger(logger)
	}

	metrics, metricsSrv := startMetricsServer(cfg, log)
	if metricsSrv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}
	gw.SetMetrics(metrics)

	if store != nil {
		store.OnReload(metrics.CertReload)
		if cfg.TLS.Watch {
			go func() {
				if err := store.Watch(ctx, certs.DefaultDebounce); err != nil && ctx.Err() == nil {
					log.WithError(err).Warn("certificate watcher stopped")
				}
			}()
		}
	}

	log.WithFields(logrus.Fields{
		"rules":     table.Len(),
		"tls":       table.TLSMode().String(),
		"max_steps": table.MaxSteps(),
		"listeners": len(cfg.Server.Listeners),
	}).Info("starting rwproxy")

	err = gw.ListenAndServe(ctx)
	log.Info("rwproxy stopped")
	return err
}

func certPairs(cfg *config.Config) []certs.Pair {
	pairs := make([]certs.Pair, 0, len(cfg.TLS.Certificates))
	for _, c := range cfg.TLS.Certificates {
		pairs = append(pairs, certs.Pair{
			Host:     c.Host,
			CertFile: cfg.ResolvePath(c.CertFile),
			KeyFile:  cfg.ResolvePath(c.KeyFile),
		})
	}
	return pairs
}

func startMetricsServer(cfg *config.Config, log logrus.FieldLogger) (*observability.Metrics, *http.Server) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))

	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	return metrics, srv
}
