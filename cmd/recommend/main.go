package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"content_recommend/internal/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "recommend: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, notice, err := InitConfig(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	if notice != "" {
		log.Info(notice)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer app.Close()

	app.Feedback.Start()
	if err := app.Scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	go app.Monitor.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := app.Server.Run(); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("Server stopped", logger.Error(err))
		}
	}

	// 先停入口，再排空后台任务
	if err := app.Server.Shutdown(context.Background()); err != nil {
		log.Error("Server shutdown failed", logger.Error(err))
	}
	app.Scheduler.Stop()
	app.Feedback.Stop()
	log.Info("Server stopped")
	return nil
}
