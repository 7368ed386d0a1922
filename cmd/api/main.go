package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Wikid82/cerberus/internal/api/middleware"
	"github.com/Wikid82/cerberus/internal/api/routes"
	"github.com/Wikid82/cerberus/internal/cerberus"
	"github.com/Wikid82/cerberus/internal/config"
	"github.com/Wikid82/cerberus/internal/database"
	"github.com/Wikid82/cerberus/internal/logger"
	"github.com/Wikid82/cerberus/internal/metrics"
	"github.com/Wikid82/cerberus/internal/server"
	"github.com/Wikid82/cerberus/internal/services"
	"github.com/Wikid82/cerberus/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create log dir: %v\n", err)
		os.Exit(1)
	}
	rotator := logger.Rotating(cfg.LogDir, "cerberus.log")
	defer rotator.Close()

	// Log to both stdout and file
	logger.Init(cfg.Debug, io.MultiWriter(os.Stdout, rotator))
	log := logger.Log()

	// Handle CLI commands
	if len(os.Args) > 1 && os.Args[1] == "issue-token" {
		if len(os.Args) != 3 {
			log.Fatalf("Usage: %s issue-token <subject>", os.Args[0])
		}
		token, err := middleware.SignToken(cfg.AdminJWTSecret, os.Args[2], "admin", 24*time.Hour)
		if err != nil {
			log.WithError(err).Fatal("issue admin token")
		}
		fmt.Println(token)
		return
	}

	log.WithFields(logrus.Fields{
		"service": version.Name,
		"version": version.Full(),
	}).Info("starting")

	if err := run(cfg); err != nil {
		log.WithError(err).Fatal("cerberus exited")
	}
}

func run(cfg config.Config) error {
	log := logger.Log()

	db, err := database.Connect(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}

	policy, err := loadPolicy(cfg)
	if err != nil {
		return err
	}

	securityService := services.NewSecurityService(db)
	adapter := services.NewEngineAdapter(securityService, services.NewNotificationService(db), cfg.AlertsPerMinute)

	engine, err := cerberus.New(policy, cerberus.WithStore(adapter), cerberus.WithAlerter(adapter))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restoreBlocks(ctx, engine, securityService)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	srv, err := server.New(cfg, routes.Deps{DB: db, Engine: engine, Registry: registry})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if !cfg.Security.Enabled {
			log.Warn("security engine disabled, requests are not evaluated")
		}
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("start engine: %w", err)
		}
		<-ctx.Done()
		engine.Stop()
		return nil
	})
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		logOccurrences(ctx, engine)
		return nil
	})
	if cfg.PolicyPath != "" {
		g.Go(func() error {
			err := config.WatchPolicy(ctx, cfg.PolicyPath, func(p config.Policy) {
				p.Allowlist = append(p.Allowlist, cfg.Security.Allowlist...)
				if err := engine.SetPolicy(p); err != nil {
					log.WithError(err).Warn("rejected reloaded policy")
				}
			})
			if err != nil {
				// Hot reload is optional; the engine keeps the startup policy.
				log.WithError(err).Warn("policy watcher stopped")
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// restoreBlocks reloads unexpired blocks into the engine and drops expired rows.
// Failures are logged; the engine starts with whatever it could load.
func restoreBlocks(ctx context.Context, engine *cerberus.Engine, security *services.SecurityService) {
	log := logger.Log()
	restored, err := engine.Restore(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to restore persisted blocks")
	} else {
		log.WithField("blocks", restored).Info("restored persisted blocks")
	}
	if purged, err := security.PurgeExpiredBlocks(ctx, time.Now()); err != nil {
		log.WithError(err).Warn("failed to purge expired block rows")
	} else if purged > 0 {
		log.WithField("rows", purged).Debug("purged expired block rows")
	}
}

// loadPolicy reads the engine policy and merges the environment allowlist into it.
func loadPolicy(cfg config.Config) (config.Policy, error) {
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return config.Policy{}, fmt.Errorf("load policy: %w", err)
	}
	policy.Allowlist = append(policy.Allowlist, cfg.Security.Allowlist...)
	return policy, nil
}

func logOccurrences(ctx context.Context, engine *cerberus.Engine) {
	occurrences, cancel := engine.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-occurrences:
			if !ok {
				return
			}
			a := o.Assessment
			logger.Log().WithFields(logrus.Fields{
				"event":         string(o.Type),
				"assessment_id": a.ID,
				"ip":            a.SourceIP,
				"category":      string(a.Category),
				"threat_level":  a.ThreatLevel,
			}).Info("cerberus occurrence")
		}
	}
}
