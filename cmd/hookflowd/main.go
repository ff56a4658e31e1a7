// Command hookflowd receives chat webhooks and runs the request-start
// workflow for each of them on the embedded durable engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/petrijr/hookflow/internal/activities"
	"github.com/petrijr/hookflow/internal/chat"
	"github.com/petrijr/hookflow/internal/config"
	"github.com/petrijr/hookflow/internal/engine"
	"github.com/petrijr/hookflow/internal/httpapi"
	"github.com/petrijr/hookflow/internal/logging"
	"github.com/petrijr/hookflow/internal/tracker"
	"github.com/petrijr/hookflow/internal/workflows"
	"github.com/petrijr/hookflow/pkg/api"
)

const shutdownTimeout = 10 * time.Second

func main() {
	envDir := flag.String("env-dir", "", "directory holding .env.shared and .env.secret (default: working directory)")
	flag.Parse()

	cfg, err := config.Load(*envDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("hookflowd_failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	log, closeLog, err := openLog(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := closeLog(); err != nil {
			logger.Warn("store_close_failed", slog.Any("error", err))
		}
	}()

	metrics := &api.BasicMetrics{}
	eng, err := engine.NewEngineWithConfig(engine.Config{
		Log:                    log,
		Observer:               api.NewCompositeObserver(api.NewLoggingObserver(logger), metrics),
		Logger:                 logger,
		TaskQueue:              cfg.Engine.TaskQueue,
		Workers:                cfg.Engine.Workers,
		DefaultActivityTimeout: cfg.Engine.ActivityTimeout,
		DefaultRetryPolicy:     cfg.Engine.Retry,
		SweepSchedule:          cfg.Engine.SweepSchedule,
	})
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		_ = eng.Close()
		logger.Info("engine_stopped", slog.Any("metrics", metrics.Snapshot()))
	}()

	if err := register(eng, cfg, logger); err != nil {
		return err
	}

	n, err := eng.Recover(ctx)
	if err != nil {
		logger.Warn("recovery_incomplete", slog.Int("resumed", n), slog.Any("error", err))
	} else {
		logger.Info("recovery_completed", slog.Int("resumed", n))
	}

	ids, err := httpapi.NewEventIDs(cfg.Webhooks.EventIDQueries)
	if err != nil {
		return err
	}
	front, err := httpapi.NewServer(httpapi.Deps{
		Engine:       eng,
		WorkflowType: workflows.RequestStartType,
		EventIDs:     ids,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           front.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}
	logger.Info("http_listening", slog.String("addr", ln.Addr().String()), slog.String("store", cfg.Store.Driver))
	return serve(ctx, srv, ln)
}

// serve runs srv on ln until ctx is cancelled, then shuts it down
// gracefully.
func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// register wires the activities and the request-start workflow into eng.
func register(eng *engine.Engine, cfg config.Config, logger *slog.Logger) error {
	chatClient, err := chat.New(chat.Options{
		Token:         cfg.Slack.BotToken,
		APIURL:        cfg.Slack.APIURL,
		RatePerSecond: cfg.Slack.RatePerSecond,
		Burst:         cfg.Slack.Burst,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	acts := &activities.Activities{Chat: chatClient, Logger: logger}
	if cfg.Jira.URL != "" {
		tr, err := tracker.New(tracker.Options{
			URL:      cfg.Jira.URL,
			Username: cfg.Jira.Username,
			APIToken: cfg.Jira.APIToken,
			Project:  cfg.Jira.Project,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		acts.Tracker = tr
	} else {
		logger.Warn("jira_not_configured", slog.String("hint", "set JIRA_URL to enable create_issue"))
	}
	if err := acts.Register(eng); err != nil {
		return err
	}

	wf, err := workflows.NewRequestStart(workflows.Config{
		AckChannel:      cfg.Slack.AckChannel,
		IssuePredicate:  cfg.IssuePredicate,
		ActivityTimeout: cfg.Engine.ActivityTimeout,
		RetryPolicy:     cfg.Engine.Retry,
	})
	if err != nil {
		return err
	}
	return wf.Register(eng)
}
