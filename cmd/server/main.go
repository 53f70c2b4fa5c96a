package main

import (
	"context"
	"database/sql"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/phishing-support/pipeline/internal/analysis"
	"github.com/phishing-support/pipeline/internal/api"
	"github.com/phishing-support/pipeline/internal/archive"
	"github.com/phishing-support/pipeline/internal/bus"
	"github.com/phishing-support/pipeline/internal/config"
	"github.com/phishing-support/pipeline/internal/enrich"
	"github.com/phishing-support/pipeline/internal/ids"
	imaplistener "github.com/phishing-support/pipeline/internal/imap"
	"github.com/phishing-support/pipeline/internal/pipeline"
	"github.com/phishing-support/pipeline/internal/pkg/httpretry"
	"github.com/phishing-support/pipeline/internal/pkg/logger"
	"github.com/phishing-support/pipeline/internal/report"
	"github.com/phishing-support/pipeline/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.Redact != nil {
		logger.SetRedact(*cfg.Log.Redact)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	if err := store.InitSchema(ctx, db); err != nil {
		return err
	}

	gen := ids.NewGenerator(1)
	st := store.NewStore(db, gen)

	var eventBus bus.Bus
	switch cfg.Bus.Transport {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Bus.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return err
		}
		eventBus = bus.NewRedisBus(client)
		logger.Info("event bus", "transport", "redis", "addr", cfg.Bus.RedisAddr)
	default:
		eventBus = bus.NewMemoryBus()
		logger.Info("event bus", "transport", "memory")
	}
	defer eventBus.Close()

	browser, err := archive.Open(cfg.Browser)
	if err != nil {
		return err
	}
	defer browser.Close()

	rdap := enrich.NewRDAPClient(httpretry.NewRetryClient(
		&http.Client{Timeout: cfg.Enrich.Timeout()}, cfg.Enrich.MaxRetries))
	enricher := enrich.NewService(net.DefaultResolver, rdap)

	engine, err := analysis.NewBedrockEngine(ctx, st, eventBus, cfg.Bedrock)
	if err != nil {
		return err
	}

	mailer, err := report.NewSESMailer(ctx, cfg.SES)
	if err != nil {
		return err
	}

	reporter := &report.Engine{
		Store:   st,
		Model:   engine,
		Mailer:  mailer,
		Tencent: report.NewTencentClient(nil, cfg.Report.ContactName, cfg.Report.ContactEmail),
		From:    cfg.SES.From,
		BaseURL: cfg.Server.BaseURL,
	}
	if cfg.Report.WebRiskProjectNumber != "" {
		if reporter.WebRisk, err = report.NewWebRiskClient(ctx, cfg.Report.WebRiskProjectNumber); err != nil {
			return err
		}
	}
	if cfg.Report.CloudflareEnabled {
		reporter.Cloudflare = report.NewCloudflareClient(browser,
			cfg.Report.ContactName, cfg.Report.ContactEmail, cfg.Report.MaxAttempts)
	}

	notifier, err := report.NewNotifier(mailer, cfg.SES.From, cfg.Server.BaseURL)
	if err != nil {
		return err
	}

	orchestrator := &pipeline.Orchestrator{
		Store:         st,
		Bus:           eventBus,
		IDs:           gen,
		Enricher:      enricher,
		Archiver:      browser,
		Engine:        engine,
		Reporter:      reporter,
		Notifier:      notifier,
		LookupRetries: cfg.Enrich.MaxRetries,
	}
	if err := orchestrator.RecoverStuck(ctx); err != nil {
		return err
	}

	if cfg.IMAP.Enabled {
		listener := imaplistener.NewListener(cfg.IMAP, st, orchestrator)
		go listener.Run(ctx)
		logger.Info("imap listener started", "host", cfg.IMAP.Host, "mailbox", cfg.IMAP.Mailbox)
	}

	srv := api.NewServer(cfg.Server, st, eventBus, gen, orchestrator)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Addr())
		errCh <- srv.ListenAndServe(cfg.Server.Addr())
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	orchestrator.Wait()
	return nil
}
